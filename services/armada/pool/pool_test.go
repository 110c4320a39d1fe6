// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/runner"
)

// testSpawner hands out echo runners with sequential ids.
func testSpawner() (Spawner, *atomic.Int64) {
	var n atomic.Int64
	echo := agent.New("echo", func(_ context.Context, state any, action string, params agent.Params) (any, any, error) {
		if action == "panic" {
			panic("boom")
		}
		return params["message"], state, nil
	})
	spawn := func(_ context.Context) (*runner.Runner, error) {
		id := fmt.Sprintf("echo-%d", n.Add(1))
		return runner.New(id, echo, nil, runner.Config{}, runner.Options{}), nil
	}
	return spawn, &n
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *atomic.Int64) {
	t.Helper()
	spawn, n := testSpawner()
	p, err := New(context.Background(), cfg, spawn, Options{})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, n
}

func TestPool_WarmsUpToTargetSize(t *testing.T) {
	p, spawned := newTestPool(t, Config{MinSize: 1, MaxSize: 5, TargetSize: 2})

	st := p.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Available)
	assert.Equal(t, 0, st.Busy)
	assert.Equal(t, int64(2), spawned.Load())
}

func TestPool_CheckoutCheckinDisjointSets(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 2, MaxSize: 4, TargetSize: 2})

	r, err := p.Checkout(context.Background())
	require.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 1, st.Busy)

	// The busy runner can never be checked out again.
	other, err := p.Checkout(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, r.ID(), other.ID())

	p.Checkin(r)
	p.Checkin(other)
	st = p.Stats()
	assert.Equal(t, 2, st.Available)
	assert.Equal(t, 0, st.Busy)
}

func TestPool_RoundRobinRotates(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 3, MaxSize: 3, TargetSize: 3, Strategy: StrategyRoundRobin})
	ctx := context.Background()

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		r, err := p.Checkout(ctx)
		require.NoError(t, err)
		seen[r.ID()]++
		p.Checkin(r)
	}
	assert.Len(t, seen, 3, "every member takes a turn")
}

func TestPool_LeastLoadedPrefersIdleRunner(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 2, MaxSize: 2, TargetSize: 2, Strategy: StrategyLeastLoaded})
	ctx := context.Background()

	// Load one available runner's mailbox directly.
	loaded, err := p.Checkout(ctx)
	require.NoError(t, err)
	idle, err := p.Checkout(ctx)
	require.NoError(t, err)
	_, err = loaded.ExecuteAction(ctx, "echo", agent.Params{"message": "warm"})
	require.NoError(t, err)
	p.Checkin(loaded)
	p.Checkin(idle)

	r, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{loaded.ID(), idle.ID()}, r.ID())
	p.Checkin(r)
}

func TestPool_QueuePolicyFIFO(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1, TargetSize: 1, Overflow: OverflowQueue, QueueSize: 4})
	ctx := context.Background()

	held, err := p.Checkout(ctx)
	require.NoError(t, err)

	got := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			r, err := p.Checkout(ctx)
			if err == nil {
				got <- i
				p.Checkin(r)
			}
		}()
		// Order the waiters deterministically.
		require.Eventually(t, func() bool { return p.Stats().Queued == i }, time.Second, time.Millisecond)
	}

	p.Checkin(held)

	first := <-got
	second := <-got
	assert.Equal(t, 1, first, "oldest waiter is served first")
	assert.Equal(t, 2, second)
}

func TestPool_QueuePolicyBounded(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1, TargetSize: 1, Overflow: OverflowQueue, QueueSize: 1})
	ctx := context.Background()

	held, err := p.Checkout(ctx)
	require.NoError(t, err)
	defer p.Checkin(held)

	go func() { _, _ = p.Checkout(ctx) }()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, time.Millisecond)

	_, err = p.Checkout(ctx)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPool_QueueWaiterHonorsContext(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1, TargetSize: 1, Overflow: OverflowQueue})

	held, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Checkin(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats().Queued, "abandoned waiter leaves the queue")
}

func TestPool_FailPolicy(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 1, TargetSize: 1, Overflow: OverflowFail})

	held, err := p.Checkout(context.Background())
	require.NoError(t, err)
	defer p.Checkin(held)

	_, err = p.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestPool_SpawnPolicyGrowsToMax(t *testing.T) {
	p, spawned := newTestPool(t, Config{MinSize: 1, MaxSize: 2, TargetSize: 1, Overflow: OverflowSpawn})
	ctx := context.Background()

	first, err := p.Checkout(ctx)
	require.NoError(t, err)
	second, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), spawned.Load())
	assert.Equal(t, 2, p.Stats().Total)

	_, err = p.Checkout(ctx)
	assert.ErrorIs(t, err, ErrAtMaxSize)

	p.Checkin(first)
	p.Checkin(second)
}

func TestPool_CrashedRunnerIsReplaced(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 2, TargetSize: 1})
	ctx := context.Background()

	r, err := p.Checkout(ctx)
	require.NoError(t, err)
	crashedID := r.ID()

	_, err = r.ExecuteAction(ctx, "panic", nil)
	require.Error(t, err)
	p.Checkin(r)

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Total == 1 && st.Available == 1
	}, time.Second, time.Millisecond, "replacement keeps the pool at the floor")

	fresh, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, crashedID, fresh.ID())
	p.Checkin(fresh)
}

func TestPool_ExecuteRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, Config{MinSize: 1, MaxSize: 2, TargetSize: 1})

	out, err := p.Execute(context.Background(), "echo", agent.Params{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	st := p.Stats()
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 0, st.Busy)
}

func TestPool_ScaleUpOnSustainedHighUtilization(t *testing.T) {
	// A huge ScaleInterval keeps the ticker quiet; the test drives the
	// sampler directly.
	p, _ := newTestPool(t, Config{
		MinSize: 1, MaxSize: 10, TargetSize: 5,
		Overflow:          OverflowFail,
		UtilizationWindow: 3,
		ScaleInterval:     time.Hour,
		ScaleCooldown:     time.Hour,
	})
	ctx := context.Background()

	// Saturate the fleet: utilization 1.0 on every sample.
	for i := 0; i < 5; i++ {
		_, err := p.Checkout(ctx)
		require.NoError(t, err)
	}

	// No move until the window is full.
	p.sampleAndScale()
	p.sampleAndScale()
	assert.Equal(t, 5, p.Stats().Total, "a partial window must not scale")

	p.sampleAndScale()
	require.Eventually(t, func() bool {
		return p.Stats().Total == 6
	}, time.Second, time.Millisecond, "full window above the high-water mark grows by a fifth")

	// Utilization stays high, but the cooldown suppresses the next move.
	p.sampleAndScale()
	p.sampleAndScale()
	p.sampleAndScale()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 6, p.Stats().Total, "cooldown must suppress back-to-back scaling")
}

func TestPool_ScaleDownStopsAtFloor(t *testing.T) {
	p, _ := newTestPool(t, Config{
		MinSize: 2, MaxSize: 10, TargetSize: 6,
		UtilizationWindow: 3,
		ScaleInterval:     time.Hour,
		ScaleCooldown:     time.Nanosecond,
	})

	// Fully idle: utilization 0.0. Each full window sheds a tenth,
	// at least one runner, never below the floor.
	for want := 5; want >= 2; want-- {
		p.sampleAndScale()
		p.sampleAndScale()
		p.sampleAndScale()
		require.Equal(t, want, p.Stats().Total)
	}

	p.sampleAndScale()
	p.sampleAndScale()
	p.sampleAndScale()
	assert.Equal(t, 2, p.Stats().Total, "the floor holds under sustained idleness")
	assert.Equal(t, 2, p.Stats().Available, "victims come from the idle set only")
}

func TestPool_ClosedRejectsCheckout(t *testing.T) {
	spawn, _ := testSpawner()
	p, err := New(context.Background(), Config{MinSize: 1, MaxSize: 2, TargetSize: 1}, spawn, Options{})
	require.NoError(t, err)
	p.Close()

	_, err = p.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

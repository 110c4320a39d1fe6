// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// counterAgent increments an int state for "inc" actions and fails for
// "fail" actions.
func counterAgent() agent.Agent {
	return agent.New("counter", func(_ context.Context, state any, action string, _ agent.Params) (any, any, error) {
		n := state.(int)
		switch action {
		case "inc":
			return n + 1, n + 1, nil
		case "fail":
			return nil, nil, errors.New("boom")
		case "panic":
			panic("unrecoverable")
		default:
			return n, n, nil
		}
	})
}

type loadRecorder struct {
	mu   sync.Mutex
	last float64
}

func (l *loadRecorder) UpdateLoad(_ string, load float64) {
	l.mu.Lock()
	l.last = load
	l.mu.Unlock()
}

func TestRunner_ExecutesActionsInOrder(t *testing.T) {
	r := New("a-1", counterAgent(), 0, Config{}, Options{})
	defer r.Kill()
	ctx := context.Background()

	for want := 1; want <= 5; want++ {
		got, err := r.ExecuteAction(ctx, "inc", nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	st := r.Stats()
	assert.Equal(t, int64(5), st.Executed)
	assert.Equal(t, int64(0), st.Failed)
}

func TestRunner_FailedActionKeepsState(t *testing.T) {
	r := New("a-1", counterAgent(), 0, Config{}, Options{})
	defer r.Kill()
	ctx := context.Background()

	_, err := r.ExecuteAction(ctx, "inc", nil)
	require.NoError(t, err)

	_, err = r.ExecuteAction(ctx, "fail", nil)
	require.Error(t, err)

	// State must be unchanged by the failure.
	got, err := r.ExecuteAction(ctx, "inc", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, int64(1), r.Stats().Failed)
}

func TestRunner_PanicCrashesRunner(t *testing.T) {
	bus := telemetry.NewBus()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	r := New("a-1", counterAgent(), 0, Config{}, Options{Bus: bus})

	_, err := r.ExecuteAction(context.Background(), "panic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent panic")

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not terminate after panic")
	}
	require.Error(t, r.CrashCause())

	// Subsequent work is rejected.
	_, err = r.ExecuteAction(context.Background(), "inc", nil)
	assert.ErrorIs(t, err, ErrTerminated)

	found := false
	deadline := time.After(time.Second)
	for !found {
		select {
		case ev := <-events:
			if ev.Kind == telemetry.KindAgentCrashed {
				found = true
			}
		case <-deadline:
			t.Fatal("no crash event emitted")
		}
	}
}

func TestRunner_DrainRejectsNewWork(t *testing.T) {
	r := New("a-1", counterAgent(), 0, Config{}, Options{})
	defer r.Kill()

	r.Drain()
	_, err := r.ExecuteAction(context.Background(), "inc", nil)
	assert.ErrorIs(t, err, ErrDraining)
	assert.False(t, r.Ready())
}

func TestRunner_DrainCompletesQueuedWork(t *testing.T) {
	release := make(chan struct{})
	slow := agent.New("slow", func(_ context.Context, state any, _ string, _ agent.Params) (any, any, error) {
		<-release
		return nil, state, nil
	})

	r := New("a-1", slow, nil, Config{}, Options{})
	defer r.Kill()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.ExecuteAction(context.Background(), "work", nil)
		}()
	}

	require.Eventually(t, func() bool { return r.Pending() == 3 }, time.Second, time.Millisecond)

	r.Drain()
	close(release)
	wg.Wait()

	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, int64(3), r.Stats().Executed)
}

func TestRunner_KillAbandonsWaiters(t *testing.T) {
	block := make(chan struct{})
	stuck := agent.New("stuck", func(_ context.Context, state any, _ string, _ agent.Params) (any, any, error) {
		<-block
		return nil, state, nil
	})
	defer close(block)

	r := New("a-1", stuck, nil, Config{}, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.ExecuteAction(context.Background(), "work", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return r.Pending() > 0 }, time.Second, time.Millisecond)
	r.Kill()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Kill")
	}
	assert.NoError(t, r.CrashCause(), "kill is not a crash")
}

func TestRunner_LivenessProbe(t *testing.T) {
	block := make(chan struct{})
	stuck := agent.New("stuck", func(_ context.Context, state any, _ string, _ agent.Params) (any, any, error) {
		<-block
		return nil, state, nil
	})

	r := New("a-1", stuck, nil, Config{}, Options{})
	defer r.Kill()

	assert.True(t, r.Liveness(time.Second), "idle loop should answer")

	go func() { _, _ = r.ExecuteAction(context.Background(), "work", nil) }()
	require.Eventually(t, func() bool { return r.Pending() > 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	assert.False(t, r.Liveness(30*time.Millisecond), "busy loop must miss the ping")
	close(block)
}

func TestRunner_StartupProbe(t *testing.T) {
	r := New("a-1", counterAgent(), 0, Config{StartupGrace: time.Hour}, Options{})
	defer r.Kill()

	assert.False(t, r.Started(), "fresh runner inside grace period")

	_, err := r.ExecuteAction(context.Background(), "inc", nil)
	require.NoError(t, err)
	assert.True(t, r.Started(), "one completed action ends startup")
}

func TestRunner_ReadinessTracksErrorRate(t *testing.T) {
	r := New("a-1", counterAgent(), 0, Config{OutcomeWindow: 4, ReadyMaxErrorRate: 0.5}, Options{})
	defer r.Kill()
	ctx := context.Background()

	assert.True(t, r.Ready())

	for i := 0; i < 4; i++ {
		_, _ = r.ExecuteAction(ctx, "fail", nil)
	}
	assert.False(t, r.Ready(), "all-failure window exceeds the error ceiling")

	for i := 0; i < 4; i++ {
		_, err := r.ExecuteAction(ctx, "inc", nil)
		require.NoError(t, err)
	}
	assert.True(t, r.Ready(), "window refilled with successes")
}

func TestRunner_ReportsLoad(t *testing.T) {
	loads := &loadRecorder{}
	r := New("a-1", counterAgent(), 0, Config{}, Options{Loads: loads})
	defer r.Kill()

	_, err := r.ExecuteAction(context.Background(), "inc", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		loads.mu.Lock()
		defer loads.mu.Unlock()
		return loads.last == 0
	}, time.Second, time.Millisecond, "load settles back to zero")
}

func TestRunner_SnapshotSerializesWithLoop(t *testing.T) {
	r := New("a-1", &snapshotAgent{}, 7, Config{}, Options{})
	defer r.Kill()

	require.NoError(t, r.Snapshot(context.Background()))
	sa := r.agent.(*snapshotAgent)
	sa.mu.Lock()
	defer sa.mu.Unlock()
	assert.Equal(t, 7, sa.saved)
}

type snapshotAgent struct {
	mu    sync.Mutex
	saved any
}

func (s *snapshotAgent) Module() string { return "snapshot" }

func (s *snapshotAgent) HandleAction(_ context.Context, state any, _ string, _ agent.Params) (any, any, error) {
	return state, state, nil
}

func (s *snapshotAgent) Snapshot(_ context.Context, state any) error {
	s.mu.Lock()
	s.saved = state
	s.mu.Unlock()
	return nil
}

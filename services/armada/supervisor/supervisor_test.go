// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/registry"
	"github.com/AleutianAI/armada/services/armada/restart"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/shutdown"
)

func echoAgent() agent.Agent {
	return agent.New("echo", func(_ context.Context, state any, action string, params agent.Params) (any, any, error) {
		if action == "panic" {
			panic("boom")
		}
		return params["message"], state, nil
	})
}

// newTestSupervisor wires a supervisor with fast collaborators.
func newTestSupervisor(t *testing.T, trackerCfg restart.Config) (*Supervisor, *registry.Registry) {
	t.Helper()
	if trackerCfg.MaxRestarts == 0 {
		trackerCfg = restart.Config{MaxRestarts: 100, HistoryWindow: time.Minute}
	}

	reg := registry.New(nil, nil)
	tracker := restart.NewTracker(trackerCfg, nil)
	coord := shutdown.NewCoordinator(shutdown.Config{Deadline: time.Second, DrainPoll: time.Millisecond}, nil, nil, nil)

	sup := New(Config{Node: "test-node"}, Deps{
		Registry:    reg,
		Tracker:     tracker,
		Coordinator: coord,
	})
	t.Cleanup(func() {
		sup.Close()
		tracker.Close()
		reg.Close()
	})
	return sup, reg
}

func TestSupervisor_StartExecuteStop(t *testing.T) {
	sup, reg := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{
		ID:           "a-1",
		Agent:        echoAgent(),
		Tags:         []string{"chat"},
		Capabilities: []string{"echo"},
	})
	require.NoError(t, err)

	h, ok := reg.Get("a-1")
	require.True(t, ok, "started agent must be discoverable")
	assert.Equal(t, "echo", h.Module)
	assert.Equal(t, "test-node", h.Node)

	out, err := r.ExecuteAction(ctx, "echo", agent.Params{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	res, err := sup.StopAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.False(t, res.Forced)

	_, ok = reg.Get("a-1")
	assert.False(t, ok, "stopped agent must leave the directory")
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner still alive after stop")
	}
}

func TestSupervisor_DefaultRunnerConfigApplies(t *testing.T) {
	reg := registry.New(nil, nil)
	tracker := restart.NewTracker(restart.Config{MaxRestarts: 100, HistoryWindow: time.Minute}, nil)
	coord := shutdown.NewCoordinator(shutdown.Config{Deadline: time.Second, DrainPoll: time.Millisecond}, nil, nil, nil)
	sup := New(Config{Node: "test-node", DefaultRunner: runner.Config{StartupGrace: time.Hour}}, Deps{
		Registry:    reg,
		Tracker:     tracker,
		Coordinator: coord,
	})
	t.Cleanup(func() {
		sup.Close()
		tracker.Close()
		reg.Close()
	})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent()})
	require.NoError(t, err)
	assert.False(t, r.Started(), "the default startup grace must reach the runner")

	// A spec-level runner configuration wins over the default.
	quick, err := sup.StartAgent(ctx, AgentSpec{
		ID:     "a-2",
		Agent:  echoAgent(),
		Runner: runner.Config{StartupGrace: time.Nanosecond},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return quick.Started() }, time.Second, time.Millisecond)
}

func TestSupervisor_StopUnknownAgent(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{})
	_, err := sup.StopAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestSupervisor_CrashTriggersRespawn(t *testing.T) {
	sup, reg := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent(), Policy: RestartOnFailure})
	require.NoError(t, err)

	_, err = r.ExecuteAction(ctx, "panic", nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		fresh, ok := sup.Runner("a-1")
		return ok && fresh != r
	}, 3*time.Second, time.Millisecond, "crashed agent must be respawned")

	require.Eventually(t, func() bool {
		_, ok := reg.Get("a-1")
		return ok
	}, time.Second, time.Millisecond, "respawned agent must re-register")

	fresh, _ := sup.Runner("a-1")
	out, err := fresh.ExecuteAction(ctx, "echo", agent.Params{"message": "back"})
	require.NoError(t, err)
	assert.Equal(t, "back", out)
}

func TestSupervisor_RestartNeverLeavesAgentDown(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent(), Policy: RestartNever})
	require.NoError(t, err)

	_, _ = r.ExecuteAction(ctx, "panic", nil)
	<-r.Done()

	time.Sleep(50 * time.Millisecond)
	_, ok := sup.Runner("a-1")
	assert.False(t, ok, "policy never must not respawn")
}

func TestSupervisor_CleanStopIsNotACrash(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	_, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent(), Policy: RestartAlways})
	require.NoError(t, err)

	_, err = sup.StopAgent(ctx, "a-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, ok := sup.Runner("a-1")
	assert.False(t, ok, "intentional stop must not trigger the crash-watch")
}

func TestSupervisor_PolicyOverrideAppliesToNextRestart(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent(), Policy: RestartOnFailure})
	require.NoError(t, err)

	require.NoError(t, sup.SetPolicy("a-1", RestartNever))
	assert.ErrorIs(t, sup.SetPolicy("ghost", RestartNever), ErrUnknownAgent)

	_, _ = r.ExecuteAction(ctx, "panic", nil)
	<-r.Done()

	time.Sleep(50 * time.Millisecond)
	_, ok := sup.Runner("a-1")
	assert.False(t, ok, "override must suppress the respawn")
}

func TestSupervisor_BackoffGatesManualStart(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{
		MaxRestarts:    1,
		HistoryWindow:  time.Minute,
		InitialBackoff: time.Hour,
	})
	ctx := context.Background()

	r, err := sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent(), Policy: RestartNever})
	require.NoError(t, err)

	// Record a restart directly: the next start of this id is throttled.
	sup.deps.Tracker.Record("a-1")
	_, _ = sup.StopAgent(ctx, "a-1")
	_ = r

	_, err = sup.StartAgent(ctx, AgentSpec{ID: "a-1", Agent: echoAgent()})
	var be *restart.BackoffError
	require.True(t, errors.As(err, &be), "throttled id must fail fast, got %v", err)
	assert.Greater(t, be.Remaining, time.Duration(0))
}

func TestSupervisor_RollingRestart(t *testing.T) {
	sup, reg := newTestSupervisor(t, restart.Config{})
	ctx := context.Background()

	old := make(map[string]bool)
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		r, err := sup.StartAgent(ctx, AgentSpec{ID: id, Agent: echoAgent(), Tags: []string{"fleet"}})
		require.NoError(t, err)
		old[id] = true
		_ = r
	}

	err := sup.RollingRestart(ctx, func(h registry.Handle) bool {
		for _, tag := range h.Tags {
			if tag == "fleet" {
				return true
			}
		}
		return false
	}, 2, time.Millisecond)
	require.NoError(t, err)

	assert.Len(t, sup.Agents(), 3, "every agent must come back")
	for id := range old {
		_, ok := reg.Get(id)
		assert.True(t, ok, "agent %s must be re-registered", id)
		fresh, ok := sup.Runner(id)
		require.True(t, ok)
		out, err := fresh.ExecuteAction(ctx, "echo", agent.Params{"message": id})
		require.NoError(t, err)
		assert.Equal(t, id, out)
	}
}

func TestSupervisor_GeneratesIDWhenEmpty(t *testing.T) {
	sup, _ := newTestSupervisor(t, restart.Config{})

	r, err := sup.StartAgent(context.Background(), AgentSpec{Agent: echoAgent()})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())
}

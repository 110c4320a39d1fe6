// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor owns agent lifecycles: spawn, crash recovery with
// restart throttling, and graceful stop.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/health"
	"github.com/AleutianAI/armada/services/armada/registry"
	"github.com/AleutianAI/armada/services/armada/restart"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/shutdown"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// Sentinel errors for supervisor operations.
var (
	// ErrUnknownAgent is returned for ids the supervisor does not own.
	ErrUnknownAgent = errors.New("agent is not supervised")

	// ErrClosed is returned once the supervisor has shut down.
	ErrClosed = errors.New("supervisor is closed")
)

// RestartPolicy decides whether a terminated agent is respawned.
type RestartPolicy string

const (
	// RestartAlways respawns after every termination, crash or not.
	RestartAlways RestartPolicy = "always"

	// RestartOnFailure respawns only after a crash.
	RestartOnFailure RestartPolicy = "on_failure"

	// RestartNever leaves terminated agents down.
	RestartNever RestartPolicy = "never"
)

// AgentSpec describes one agent to supervise.
type AgentSpec struct {
	// ID is the agent's identity. Empty generates one.
	ID string

	// Agent is the behavior to host. Required.
	Agent agent.Agent

	// InitialState seeds the runner's private state.
	InitialState any

	Tags         []string
	Capabilities []string
	Metadata     map[string]string

	// Policy defaults to the supervisor's DefaultPolicy.
	Policy RestartPolicy

	// Runner overrides the runner configuration.
	Runner runner.Config
}

// Config configures the supervisor.
type Config struct {
	// Node names this supervisor's host in registrations.
	Node string

	// DefaultPolicy applies when a spec names none.
	// Default: on_failure.
	DefaultPolicy RestartPolicy

	// DefaultRunner applies when a spec carries no runner configuration.
	DefaultRunner runner.Config
}

// Deps are the supervisor's collaborators. Registry, Tracker, and
// Coordinator are required; the rest may be nil.
type Deps struct {
	Registry    *registry.Registry
	Tracker     *restart.Tracker
	Coordinator *shutdown.Coordinator
	Monitor     *health.Monitor
	Logger      *logging.Logger
	Bus         *telemetry.Bus
	Metrics     *telemetry.Metrics
}

// supervised is the supervisor's per-agent record.
type supervised struct {
	spec   AgentSpec
	runner *runner.Runner
	policy RestartPolicy

	// stopping marks an intentional stop so the crash-watch stands down.
	stopping bool
}

// Supervisor spawns runners, registers them, and restarts them when
// they crash.
//
// # Description
//
// StartAgent is gated by the restart tracker: a throttled id fails fast
// with the tracker's BackoffError. Each started runner gets a
// crash-watch; on an unexpected termination the watch records the
// restart, waits out any backoff, and respawns under the agent's policy.
// StopAgent unregisters the agent first so no new work routes to it,
// then walks it through the shutdown coordinator.
//
// # Thread Safety
//
// Safe for concurrent use.
type Supervisor struct {
	cfg     Config
	deps    Deps
	logger  *logging.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	mu     sync.Mutex
	agents map[string]*supervised
	closed bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a supervisor.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = RestartOnFailure
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "supervisor"),
		bus:     deps.Bus,
		metrics: deps.Metrics,
		agents:  make(map[string]*supervised),
		done:    make(chan struct{}),
	}
}

// Close stops crash-watches. Running agents are left to the caller's
// shutdown sequence.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
}

// StartAgent spawns, registers, and begins supervising one agent.
//
// # Outputs
//
//   - *runner.Runner: The live runner on success.
//   - error: A *restart.BackoffError when the id is throttled, a
//     registry error, or ErrClosed.
func (s *Supervisor) StartAgent(ctx context.Context, spec AgentSpec) (*runner.Runner, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Policy == "" {
		spec.Policy = s.cfg.DefaultPolicy
	}
	if spec.Runner == (runner.Config{}) {
		spec.Runner = s.cfg.DefaultRunner
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	if err := s.deps.Tracker.Check(spec.ID); err != nil {
		if s.metrics != nil {
			s.metrics.RestartBackoffsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("module", spec.Agent.Module())))
		}
		return nil, err
	}

	r := runner.New(spec.ID, spec.Agent, spec.InitialState, spec.Runner, runner.Options{
		Logger:  s.logger,
		Bus:     s.bus,
		Metrics: s.metrics,
		Loads:   s.deps.Registry,
	})

	err := s.deps.Registry.Register(ctx, registry.Registration{
		ID:           spec.ID,
		Ref:          r,
		Module:       spec.Agent.Module(),
		Tags:         spec.Tags,
		Capabilities: spec.Capabilities,
		Node:         s.cfg.Node,
		Metadata:     spec.Metadata,
	})
	if err != nil {
		r.Kill()
		s.publish(telemetry.Event{
			AgentID: spec.ID,
			Kind:    telemetry.KindAgentStartFailed,
			Fields:  map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	if s.deps.Monitor != nil {
		if werr := s.deps.Monitor.Watch(r); werr != nil {
			s.logger.Warn("health watch not installed", "agent_id", spec.ID, "error", werr)
		}
	}

	sup := &supervised{spec: spec, runner: r, policy: spec.Policy}
	s.mu.Lock()
	s.agents[spec.ID] = sup
	s.mu.Unlock()

	s.wg.Add(1)
	go s.crashWatch(sup)

	s.logger.Info("agent started",
		"agent_id", spec.ID,
		"module", spec.Agent.Module(),
		"policy", string(spec.Policy),
	)
	s.publish(telemetry.Event{AgentID: spec.ID, Kind: telemetry.KindAgentStarted})
	if s.metrics != nil {
		s.metrics.AgentStartsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("module", spec.Agent.Module())))
	}
	return r, nil
}

// StopAgent gracefully terminates a supervised agent.
//
// The agent is unregistered before draining so no new work routes to it
// while it winds down.
func (s *Supervisor) StopAgent(ctx context.Context, id string) (shutdown.Result, error) {
	s.mu.Lock()
	sup, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return shutdown.Result{}, ErrUnknownAgent
	}
	sup.stopping = true
	s.mu.Unlock()

	if err := s.deps.Registry.Unregister(ctx, id); err != nil {
		s.logger.Warn("unregister failed during stop", "agent_id", id, "error", err)
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.Unwatch(id)
	}

	res, err := s.deps.Coordinator.Request(ctx, sup.runner)
	if err != nil {
		return shutdown.Result{}, err
	}

	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()

	s.publish(telemetry.Event{AgentID: id, Kind: telemetry.KindAgentStopped})
	if s.metrics != nil {
		s.metrics.AgentStopsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("module", sup.spec.Agent.Module())))
	}
	return res, nil
}

// SetPolicy overrides the restart policy applied to the agent's next
// termination.
func (s *Supervisor) SetPolicy(id string, policy RestartPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	sup.policy = policy
	return nil
}

// Runner returns the live runner for a supervised agent.
func (s *Supervisor) Runner(id string) (*runner.Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return sup.runner, true
}

// Agents returns the ids of all supervised agents.
func (s *Supervisor) Agents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out
}

// RollingRestart restarts every supervised agent matching the filter,
// batchSize at a time, pausing delay between batches.
//
// # Inputs
//
//   - filter: Selects agents by their registry handle; nil matches all.
//   - batchSize: Agents restarted concurrently per batch; minimum 1.
//   - delay: Pause between batches.
func (s *Supervisor) RollingRestart(ctx context.Context, filter func(registry.Handle) bool, batchSize int, delay time.Duration) error {
	if batchSize < 1 {
		batchSize = 1
	}

	var ids []string
	for _, h := range s.deps.Registry.All() {
		if filter != nil && !filter(h) {
			continue
		}
		s.mu.Lock()
		_, owned := s.agents[h.ID]
		s.mu.Unlock()
		if owned {
			ids = append(ids, h.ID)
		}
	}

	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error { return s.restartOne(gctx, id) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if end < len(ids) && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// restartOne stops an agent and starts it again under its stored spec.
func (s *Supervisor) restartOne(ctx context.Context, id string) error {
	s.mu.Lock()
	sup, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return nil // already gone, nothing to restart
	}
	spec := sup.spec
	s.mu.Unlock()

	if _, err := s.StopAgent(ctx, id); err != nil && !errors.Is(err, ErrUnknownAgent) {
		return err
	}
	_, err := s.StartAgent(ctx, spec)
	if err != nil {
		return err
	}
	s.publish(telemetry.Event{AgentID: id, Kind: telemetry.KindAgentRestarted,
		Fields: map[string]string{"reason": "rolling_restart"}})
	return nil
}

// crashWatch respawns the agent when it terminates unexpectedly.
func (s *Supervisor) crashWatch(sup *supervised) {
	defer s.wg.Done()
	id := sup.spec.ID

	select {
	case <-s.done:
		return
	case <-sup.runner.Done():
	}

	s.mu.Lock()
	if sup.stopping || s.closed {
		s.mu.Unlock()
		return
	}
	policy := sup.policy
	delete(s.agents, id)
	s.mu.Unlock()

	cause := sup.runner.CrashCause()
	switch policy {
	case RestartNever:
		s.logger.Info("agent down, policy forbids restart", "agent_id", id)
		return
	case RestartOnFailure:
		if cause == nil {
			s.logger.Info("agent exited cleanly, not restarting", "agent_id", id)
			return
		}
	}

	s.deps.Tracker.Record(id)

	// Wait out any backoff before respawning.
	if err := s.deps.Tracker.Check(id); err != nil {
		var be *restart.BackoffError
		if errors.As(err, &be) {
			s.logger.Warn("respawn delayed by backoff",
				"agent_id", id,
				"wait", be.Remaining,
			)
			if s.metrics != nil {
				s.metrics.RestartBackoffsTotal.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("module", sup.spec.Agent.Module())))
			}
			select {
			case <-time.After(be.Remaining):
			case <-s.done:
				return
			}
		}
	}

	// The registry's own death-watch races this respawn; give it a
	// moment to purge the stale entry.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.deps.Registry.Get(id); !ok || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-time.After(time.Millisecond):
		case <-s.done:
			return
		}
	}

	if _, err := s.StartAgent(context.Background(), sup.spec); err != nil {
		s.logger.Error("respawn failed", "agent_id", id, "error", err)
		return
	}
	s.logger.Info("agent restarted after crash", "agent_id", id, "cause", cause)
	s.publish(telemetry.Event{AgentID: id, Kind: telemetry.KindAgentRestarted,
		Fields: map[string]string{"reason": "crash"}})
}

func (s *Supervisor) publish(ev telemetry.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

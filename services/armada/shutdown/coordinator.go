// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shutdown walks agents through a graceful termination sequence
// with a hard deadline.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// Sentinel errors for shutdown operations.
var (
	// ErrAlreadyInProgress is returned when a shutdown is already running
	// for the agent.
	ErrAlreadyInProgress = errors.New("shutdown already in progress for agent")

	// ErrNotPending is returned by Cancel when the shutdown has already
	// moved past the pending phase.
	ErrNotPending = errors.New("shutdown is no longer pending")
)

// Target is the termination surface of an agent. Runner satisfies this
// interface.
type Target interface {
	ID() string
	Module() string

	// Drain stops new work; queued work keeps running.
	Drain()

	// Pending returns queued plus in-flight work.
	Pending() int

	// Snapshot persists agent state. Best effort.
	Snapshot(ctx context.Context) error

	// Kill terminates immediately.
	Kill()
}

// Phase is one step of the termination sequence.
type Phase int

const (
	PhasePending Phase = iota
	PhaseDraining
	PhaseSaving
	PhaseCompleted
	PhaseCancelled
)

// String returns the human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseDraining:
		return "draining"
	case PhaseSaving:
		return "saving"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes how a shutdown ended.
type Result struct {
	AgentID    string
	Forced     bool
	StateSaved bool
	Elapsed    time.Duration
}

// Config configures the coordinator.
type Config struct {
	// Deadline bounds the whole sequence per agent. Work still pending
	// at the deadline is abandoned and the agent is killed. Default: 30s.
	Deadline time.Duration

	// DrainPoll is how often the drain phase re-checks pending work.
	// Default: 50ms.
	DrainPoll time.Duration
}

// DefaultConfig returns sensible defaults for the coordinator.
func DefaultConfig() Config {
	return Config{
		Deadline:  30 * time.Second,
		DrainPoll: 50 * time.Millisecond,
	}
}

// job tracks one in-flight shutdown.
type job struct {
	phase     Phase
	cancelled bool
}

// Coordinator runs the graceful termination sequence per agent.
//
// # Description
//
// The sequence is linear: pending, draining, saving, completed. Draining
// stops new work and waits for the queue to empty; at the deadline the
// agent is killed instead, the state snapshot is skipped, and the result
// is still acknowledged with Forced set. Snapshot failures are logged
// and never block termination. Different agents shut down concurrently;
// a second request for the same agent fails with ErrAlreadyInProgress.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	cfg     Config
	logger  *logging.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	mu   sync.Mutex
	jobs map[string]*job
}

// NewCoordinator creates a coordinator. bus and m may be nil.
func NewCoordinator(cfg Config, logger *logging.Logger, bus *telemetry.Bus, m *telemetry.Metrics) *Coordinator {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = def.DrainPoll
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  logger.With("component", "shutdown_coordinator"),
		bus:     bus,
		metrics: m,
		jobs:    make(map[string]*job),
	}
}

// Request runs the termination sequence for the target and blocks until
// it completes or is cancelled.
//
// # Outputs
//
//   - Result: How the shutdown ended. Zero value when err is non-nil.
//   - error: ErrAlreadyInProgress, or nil. Cancellation returns nil with
//     a zero Result and PhaseCancelled left in Phase().
func (c *Coordinator) Request(ctx context.Context, target Target) (Result, error) {
	id := target.ID()

	c.mu.Lock()
	if _, exists := c.jobs[id]; exists {
		c.mu.Unlock()
		return Result{}, ErrAlreadyInProgress
	}
	j := &job{phase: PhasePending}
	c.jobs[id] = j
	c.mu.Unlock()

	start := time.Now()
	deadline := start.Add(c.cfg.Deadline)
	c.phaseChange(id, j, PhasePending)

	// A cancel between Request and the drain phase aborts cleanly.
	c.mu.Lock()
	if j.cancelled {
		j.phase = PhaseCancelled
		delete(c.jobs, id)
		c.mu.Unlock()
		return Result{}, nil
	}
	j.phase = PhaseDraining
	c.mu.Unlock()
	c.phaseChange(id, j, PhaseDraining)

	target.Drain()
	forced := !c.drain(ctx, target, deadline)

	res := Result{AgentID: id, Forced: forced}
	if forced {
		c.logger.Warn("drain deadline exceeded, killing agent",
			"agent_id", id,
			"abandoned", target.Pending(),
		)
		target.Kill()
	} else {
		c.setPhase(id, j, PhaseSaving)
		saveCtx, cancel := context.WithDeadline(ctx, deadline)
		if err := target.Snapshot(saveCtx); err != nil {
			c.logger.Warn("state snapshot failed", "agent_id", id, "error", err)
		} else {
			res.StateSaved = true
		}
		cancel()
		target.Kill()
	}

	res.Elapsed = time.Since(start)
	c.setPhase(id, j, PhaseCompleted)

	c.mu.Lock()
	delete(c.jobs, id)
	c.mu.Unlock()

	if c.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("module", target.Module()),
			attribute.Bool("forced", forced),
		)
		c.metrics.ShutdownsTotal.Add(context.Background(), 1, attrs)
		c.metrics.ShutdownDuration.Record(context.Background(), res.Elapsed.Seconds(), attrs)
	}
	c.logger.Info("agent shut down",
		"agent_id", id,
		"forced", res.Forced,
		"state_saved", res.StateSaved,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// drain waits for pending work to finish. Returns false when the
// deadline passed first.
func (c *Coordinator) drain(ctx context.Context, target Target, deadline time.Time) bool {
	ticker := time.NewTicker(c.cfg.DrainPoll)
	defer ticker.Stop()
	for {
		if target.Pending() == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// Cancel aborts a shutdown that has not started draining yet.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok || j.phase != PhasePending {
		return ErrNotPending
	}
	j.cancelled = true
	return nil
}

// Phase returns the current phase of the agent's shutdown.
func (c *Coordinator) Phase(id string) (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return PhaseCompleted, false
	}
	return j.phase, true
}

// InProgress returns the ids of agents currently shutting down.
func (c *Coordinator) InProgress() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) setPhase(id string, j *job, p Phase) {
	c.mu.Lock()
	j.phase = p
	c.mu.Unlock()
	c.phaseChange(id, j, p)
}

func (c *Coordinator) phaseChange(id string, _ *job, p Phase) {
	if c.bus != nil {
		c.bus.Publish(telemetry.Event{
			AgentID: id,
			Kind:    telemetry.KindShutdownPhase,
			Fields:  map[string]string{"phase": p.String()},
		})
	}
}

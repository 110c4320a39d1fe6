// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"sync"
	"time"
)

// CircuitState is the probing circuit's state for one agent.
type CircuitState int

const (
	// CircuitClosed probes at the normal cadence.
	CircuitClosed CircuitState = iota

	// CircuitOpen suspends probing until the cooldown elapses.
	CircuitOpen

	// CircuitHalfOpen allows trial probes to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig configures one agent's probing circuit.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive probe failures that
	// opens the circuit. Default: 3.
	FailureThreshold int

	// Cooldown is how long an open circuit suspends probing before a
	// half-open trial. Default: 30s.
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit. Default: 1.
	SuccessThreshold int
}

// DefaultCircuitConfig returns sensible defaults for the probing circuit.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Circuit suppresses probe traffic to an agent that keeps failing.
//
// # Description
//
// Closed probes normally. FailureThreshold consecutive failures open the
// circuit; probing stops for Cooldown, then a trial probe runs half-open.
// A half-open success (SuccessThreshold of them) closes the circuit, any
// half-open failure reopens it and restarts the cooldown.
//
// # Thread Safety
//
// Safe for concurrent use.
type Circuit struct {
	cfg     CircuitConfig
	onState func(from, to CircuitState)

	mu            sync.RWMutex
	state         CircuitState
	failures      int
	successes     int
	openedAt      time.Time
	stateChangeAt time.Time
}

// NewCircuit creates a closed circuit. onState, if non-nil, is called on
// every state transition without the circuit's lock held.
func NewCircuit(cfg CircuitConfig, onState func(from, to CircuitState)) *Circuit {
	def := DefaultCircuitConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &Circuit{
		cfg:           cfg,
		onState:       onState,
		state:         CircuitClosed,
		stateChangeAt: time.Now(),
	}
}

// Allow reports whether a probe should run now. An open circuit whose
// cooldown has elapsed transitions to half-open and allows the probe.
func (c *Circuit) Allow() bool {
	c.mu.Lock()
	notify := func() {}
	defer func() {
		c.mu.Unlock()
		notify()
	}()

	switch c.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(c.openedAt) >= c.cfg.Cooldown {
			notify = c.transition(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful probe into the circuit.
func (c *Circuit) RecordSuccess() {
	c.mu.Lock()
	notify := func() {}
	defer func() {
		c.mu.Unlock()
		notify()
	}()

	c.failures = 0
	if c.state == CircuitHalfOpen {
		c.successes++
		if c.successes >= c.cfg.SuccessThreshold {
			notify = c.transition(CircuitClosed)
		}
	}
}

// RecordFailure feeds a failed probe into the circuit.
func (c *Circuit) RecordFailure() {
	c.mu.Lock()
	notify := func() {}
	defer func() {
		c.mu.Unlock()
		notify()
	}()

	c.successes = 0
	switch c.state {
	case CircuitClosed:
		c.failures++
		if c.failures >= c.cfg.FailureThreshold {
			notify = c.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed trial restarts the cooldown.
		notify = c.transition(CircuitOpen)
	}
}

// State returns the current circuit state.
func (c *Circuit) State() CircuitState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// transition must run with the lock held. It returns the notification
// callback to invoke after the lock is released.
func (c *Circuit) transition(to CircuitState) func() {
	from := c.state
	c.state = to
	c.stateChangeAt = time.Now()
	c.successes = 0
	if to == CircuitOpen {
		c.openedAt = c.stateChangeAt
	}
	if to == CircuitClosed {
		c.failures = 0
	}
	if c.onState == nil || from == to {
		return func() {}
	}
	return func() { c.onState(from, to) }
}

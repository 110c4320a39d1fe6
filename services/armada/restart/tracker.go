// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package restart implements per-agent restart-storm protection with
// exponential backoff over a sliding window of restart attempts.
package restart

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/armada/pkg/logging"
)

// BackoffError reports that an agent is throttled and for how long.
type BackoffError struct {
	AgentID   string
	Remaining time.Duration
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("agent %s backing off for %s", e.AgentID, e.Remaining.Round(time.Millisecond))
}

// Config configures the restart tracker.
type Config struct {
	// MaxRestarts is the number of restarts within HistoryWindow that
	// triggers backoff. Default: 3.
	MaxRestarts int

	// HistoryWindow is the sliding window for counting restarts.
	// Default: 60s.
	HistoryWindow time.Duration

	// InitialBackoff is the backoff applied at the threshold.
	// Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed backoff. Default: 2m.
	MaxBackoff time.Duration

	// Multiplier is the exponential growth factor for restarts beyond
	// the threshold. Default: 2.0.
	Multiplier float64

	// IdleEviction is how long an entry may sit untouched before the
	// periodic sweep removes it. Default: 10m.
	IdleEviction time.Duration

	// SweepInterval is how often idle entries are evicted. Default: 1m.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults for the restart tracker.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:    3,
		HistoryWindow:  60 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Minute,
		Multiplier:     2.0,
		IdleEviction:   10 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

// record tracks one agent's restart history.
type record struct {
	total        int64
	history      []time.Time
	backoffUntil time.Time
	lastTouched  time.Time
}

// Tracker records restart attempts per agent id and gates respawns with
// exponential backoff once attempts in the window reach the threshold.
//
// # Description
//
// Backoff is computed as min(initial × multiplier^excess, max), where
// excess is the number of in-window restarts beyond the threshold. The
// backoff deadline never moves backwards while failures continue. All
// interval math uses the monotonic clock carried by time.Time.
//
// # Thread Safety
//
// Safe for concurrent use. Per-agent state is keyed by id, so independent
// agents never influence each other's throttling.
type Tracker struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	records map[string]*record

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker creates a tracker and starts its idle-entry sweep.
func NewTracker(cfg Config, logger *logging.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = def.IdleEviction
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = logging.Default()
	}

	t := &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "restart_tracker"),
		records: make(map[string]*record),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Close stops the sweep loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

// Check reports whether the agent may be (re)started now.
//
// # Outputs
//
//   - error: nil when allowed; *BackoffError with the remaining wait
//     when the agent is throttled.
func (t *Tracker) Check(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return nil
	}
	rec.lastTouched = time.Now()

	if remaining := time.Until(rec.backoffUntil); remaining > 0 {
		return &BackoffError{AgentID: id, Remaining: remaining}
	}
	return nil
}

// Record registers one restart attempt and recomputes the backoff.
func (t *Tracker) Record(id string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		rec = &record{}
		t.records[id] = rec
	}
	rec.total++
	rec.lastTouched = now
	rec.history = append(rec.history, now)
	rec.history = pruneBefore(rec.history, now.Add(-t.cfg.HistoryWindow))

	inWindow := len(rec.history)
	if inWindow < t.cfg.MaxRestarts {
		return
	}

	excess := inWindow - t.cfg.MaxRestarts
	backoff := time.Duration(float64(t.cfg.InitialBackoff) * math.Pow(t.cfg.Multiplier, float64(excess)))
	if backoff > t.cfg.MaxBackoff || backoff <= 0 {
		backoff = t.cfg.MaxBackoff
	}

	// Non-decreasing while failures continue.
	until := now.Add(backoff)
	if until.After(rec.backoffUntil) {
		rec.backoffUntil = until
	}

	t.logger.Warn("restart backoff engaged",
		"agent_id", id,
		"restarts_in_window", inWindow,
		"backoff", backoff,
	)
}

// Reset clears the history for an agent, typically after it has been
// healthy for an extended period.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Count returns the cumulative restart count for an agent.
func (t *Tracker) Count(id string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		return rec.total
	}
	return 0
}

// sweepLoop periodically evicts entries idle past IdleEviction.
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

// sweep evicts idle entries. Split out for tests.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if now.Sub(rec.lastTouched) >= t.cfg.IdleEviction && now.After(rec.backoffUntil) {
			delete(t.records, id)
		}
	}
}

// pruneBefore drops timestamps older than cutoff, preserving order.
func pruneBefore(history []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(history) && history[idx].Before(cutoff) {
		idx++
	}
	return history[idx:]
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health probes live agents and tracks their health with
// hysteresis and a per-agent probing circuit.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/metrics"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// ErrAlreadyWatched is returned when an agent id is already monitored.
var ErrAlreadyWatched = errors.New("agent is already being monitored")

// Target is the probe surface of a monitored agent. Runner satisfies
// this interface.
type Target interface {
	ID() string
	Module() string

	// Liveness reports whether the agent's loop answers within timeout.
	Liveness(timeout time.Duration) bool

	// Ready reports whether the agent should receive new traffic.
	Ready() bool

	// Started reports whether the agent has finished starting up.
	Started() bool

	// Done is closed when the agent terminates.
	Done() <-chan struct{}
}

// Status is the monitor's verdict for one agent.
type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusHealthy

	// StatusDegraded is a healthy agent with recent probe failures that
	// have not yet reached FailureThreshold.
	StatusDegraded

	StatusUnhealthy
)

// String returns the human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ProbeResult is one recorded probe outcome.
type ProbeResult struct {
	Time    time.Time
	Alive   bool
	Ready   bool
	Started bool
	Healthy bool
	Skipped bool
}

// Config configures the monitor.
type Config struct {
	// CheckInterval is the probe cadence per agent. Default: 10s.
	CheckInterval time.Duration

	// ProbeTimeout bounds each liveness ping. Default: 1s.
	ProbeTimeout time.Duration

	// FailureThreshold is the consecutive failures needed to mark an
	// agent unhealthy (and to open its circuit). Default: 3.
	FailureThreshold int

	// RecoveryThreshold is the consecutive successes needed to mark an
	// unhealthy agent healthy again. Default: 2.
	RecoveryThreshold int

	// AlertThreshold is the consecutive failures that raise an alert.
	// Default: 5.
	AlertThreshold int

	// AlertInterval is the minimum spacing between alerts per agent.
	// Default: 1m.
	AlertInterval time.Duration

	// CircuitCooldown is how long an open circuit suspends probing.
	// Default: 30s.
	CircuitCooldown time.Duration

	// HistorySlots bounds the per-agent probe history. Default: 60.
	HistorySlots int
}

// DefaultConfig returns sensible defaults for the monitor.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     10 * time.Second,
		ProbeTimeout:      time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		AlertThreshold:    5,
		AlertInterval:     time.Minute,
		CircuitCooldown:   30 * time.Second,
		HistorySlots:      60,
	}
}

// watcher is the monitor's per-agent state.
type watcher struct {
	target  Target
	circuit *Circuit
	limiter *rate.Limiter

	mu       sync.Mutex
	status   Status
	fails    int
	oks      int
	dead     bool
	history  *metrics.RingBuffer[ProbeResult]
	lastSeen time.Time

	stop chan struct{}
}

// Monitor probes registered agents at a fixed cadence.
//
// # Description
//
// Each watched agent gets its own probe loop: one probe at watch time,
// then liveness first and readiness second at every CheckInterval,
// bounded by ProbeTimeout. Health transitions use hysteresis: failures
// below FailureThreshold degrade a healthy agent, FailureThreshold marks
// it unhealthy, RecoveryThreshold successes bring it back. Repeated
// failures open the agent's circuit, which suspends probing for
// CircuitCooldown before a half-open trial. A reported status is never
// healthy while the circuit is open. Target death marks the agent
// unhealthy and stops probing; the terminal reading stays visible until
// the id is unwatched or watched again.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	cfg     Config
	logger  *logging.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	mu       sync.Mutex
	watchers map[string]*watcher

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. bus and m may be nil.
func NewMonitor(cfg Config, logger *logging.Logger, bus *telemetry.Bus, m *telemetry.Metrics) *Monitor {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = def.AlertInterval
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = def.CircuitCooldown
	}
	if cfg.HistorySlots <= 0 {
		cfg.HistorySlots = def.HistorySlots
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "health_monitor"),
		bus:      bus,
		metrics:  m,
		watchers: make(map[string]*watcher),
		done:     make(chan struct{}),
	}
}

// Close stops all probe loops.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Watch starts probing the target until it terminates or is unwatched.
func (m *Monitor) Watch(target Target) error {
	id := target.ID()

	w := &watcher{
		target:  target,
		limiter: rate.NewLimiter(rate.Every(m.cfg.AlertInterval), 1),
		status:  StatusUnknown,
		history: metrics.NewRingBuffer[ProbeResult](m.cfg.HistorySlots),
		stop:    make(chan struct{}),
	}
	w.circuit = NewCircuit(CircuitConfig{
		FailureThreshold: m.cfg.FailureThreshold,
		Cooldown:         m.cfg.CircuitCooldown,
	}, func(from, to CircuitState) {
		m.logger.Warn("probe circuit changed", "agent_id", id, "from", from.String(), "to", to.String())
		m.publish(telemetry.Event{
			AgentID: id,
			Kind:    telemetry.KindCircuitChanged,
			Fields:  map[string]string{"from": from.String(), "to": to.String()},
		})
	})

	m.mu.Lock()
	if existing, ok := m.watchers[id]; ok {
		existing.mu.Lock()
		dead := existing.dead
		existing.mu.Unlock()
		if !dead {
			m.mu.Unlock()
			return ErrAlreadyWatched
		}
		// A terminal reading for a previous incarnation; replace it.
	}
	m.watchers[id] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(id, w)
	return nil
}

// Unwatch stops probing the agent. A no-op for unknown ids.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	if ok {
		delete(m.watchers, id)
	}
	m.mu.Unlock()
	if ok {
		close(w.stop)
	}
}

// Status returns the agent's current status.
func (m *Monitor) Status(id string) (Status, bool) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	m.mu.Unlock()
	if !ok {
		return StatusUnknown, false
	}
	return m.effectiveStatus(w), true
}

// Statuses returns a status snapshot for every watched agent.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	ws := make(map[string]*watcher, len(m.watchers))
	for id, w := range m.watchers {
		ws[id] = w
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(ws))
	for id, w := range ws {
		out[id] = m.effectiveStatus(w)
	}
	return out
}

// CircuitState returns the probing circuit's state for the agent.
func (m *Monitor) CircuitState(id string) (CircuitState, bool) {
	m.mu.Lock()
	w, ok := m.watchers[id]
	m.mu.Unlock()
	if !ok {
		return CircuitClosed, false
	}
	return w.circuit.State(), true
}

// History returns the agent's recorded probes, oldest first.
func (m *Monitor) History(id string) []ProbeResult {
	m.mu.Lock()
	w, ok := m.watchers[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.history.Slice()
}

// effectiveStatus enforces the invariant that an agent is never reported
// healthy while its circuit is open.
func (m *Monitor) effectiveStatus(w *watcher) Status {
	w.mu.Lock()
	s := w.status
	w.mu.Unlock()
	if (s == StatusHealthy || s == StatusDegraded) && w.circuit.State() != CircuitClosed {
		return StatusUnhealthy
	}
	return s
}

// run is the per-agent probe loop.
func (m *Monitor) run(id string, w *watcher) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	// First verdict without waiting out a full interval.
	m.probe(id, w)

	for {
		select {
		case <-m.done:
			return
		case <-w.stop:
			return
		case <-w.target.Done():
			w.mu.Lock()
			w.dead = true
			m.setStatusLocked(id, w, StatusUnhealthy)
			w.mu.Unlock()
			m.logger.Info("monitored agent terminated", "agent_id", id)
			return
		case <-ticker.C:
			m.probe(id, w)
		}
	}
}

// probe runs one health check against the target.
func (m *Monitor) probe(id string, w *watcher) {
	now := time.Now()

	if !w.circuit.Allow() {
		w.mu.Lock()
		w.history.Push(ProbeResult{Time: now, Skipped: true})
		w.mu.Unlock()
		return
	}

	res := ProbeResult{Time: now}
	res.Started = w.target.Started()
	res.Alive = w.target.Liveness(m.cfg.ProbeTimeout)
	if res.Alive {
		res.Ready = w.target.Ready()
	}
	res.Healthy = res.Alive && res.Ready

	if m.metrics != nil {
		m.metrics.HealthChecksTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("module", w.target.Module()),
			attribute.Bool("healthy", res.Healthy),
		))
	}
	m.publish(telemetry.Event{
		AgentID: id,
		Kind:    telemetry.KindHealthCheck,
		Fields: map[string]string{
			"healthy": boolStr(res.Healthy),
			"alive":   boolStr(res.Alive),
			"ready":   boolStr(res.Ready),
		},
	})

	w.mu.Lock()
	w.history.Push(res)
	w.lastSeen = now

	// A live agent still starting up is neither healthy nor failing.
	if res.Alive && !res.Started {
		w.fails = 0
		w.oks = 0
		m.setStatusLocked(id, w, StatusStarting)
		w.mu.Unlock()
		return
	}

	if res.Healthy {
		w.circuit.RecordSuccess()
		w.fails = 0
		w.oks++
		switch w.status {
		case StatusUnknown, StatusStarting, StatusDegraded:
			// Never crossed the failure threshold; no hysteresis to climb.
			m.setStatusLocked(id, w, StatusHealthy)
		case StatusUnhealthy:
			if w.oks >= m.cfg.RecoveryThreshold {
				m.setStatusLocked(id, w, StatusHealthy)
			}
		}
		w.mu.Unlock()
		return
	}

	w.circuit.RecordFailure()
	w.oks = 0
	w.fails++
	fails := w.fails
	switch {
	case fails >= m.cfg.FailureThreshold:
		m.setStatusLocked(id, w, StatusUnhealthy)
	case w.status == StatusHealthy:
		m.setStatusLocked(id, w, StatusDegraded)
	}
	shouldAlert := fails >= m.cfg.AlertThreshold && w.limiter.Allow()
	w.mu.Unlock()

	if shouldAlert {
		m.logger.Error("health alert", "agent_id", id, "consecutive_failures", fails)
		m.publish(telemetry.Event{
			AgentID: id,
			Kind:    telemetry.KindHealthAlert,
			Count:   int64(fails),
		})
		if m.metrics != nil {
			m.metrics.HealthAlertsTotal.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("module", w.target.Module()),
			))
		}
	}
}

// setStatusLocked must run with w.mu held.
func (m *Monitor) setStatusLocked(id string, w *watcher, to Status) {
	from := w.status
	if from == to {
		return
	}
	w.status = to
	m.logger.Info("health status changed", "agent_id", id, "from", from.String(), "to", to.String())
	m.publish(telemetry.Event{
		AgentID: id,
		Kind:    telemetry.KindHealthChanged,
		Fields:  map[string]string{"from": from.String(), "to": to.String()},
	})
}

func (m *Monitor) publish(ev telemetry.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

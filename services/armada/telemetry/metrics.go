// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined OTel instruments for the orchestration core.
//
// # Description
//
// Provides counters, histograms, and gauges for agent lifecycle, action
// execution, health probing, pooling, and shutdown. All metrics use the
// "armada_" prefix for consistent naming.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// --- Lifecycle Metrics ---

	// AgentStartsTotal counts agent starts by module and status.
	AgentStartsTotal metric.Int64Counter

	// AgentStopsTotal counts agent stops by module and reason.
	AgentStopsTotal metric.Int64Counter

	// AgentCrashesTotal counts agent crashes by module.
	AgentCrashesTotal metric.Int64Counter

	// RestartBackoffsTotal counts restart attempts rejected by backoff.
	RestartBackoffsTotal metric.Int64Counter

	// --- Action Metrics ---

	// ActionsTotal counts executed actions by module and status.
	ActionsTotal metric.Int64Counter

	// ActionDuration records action duration in seconds.
	ActionDuration metric.Float64Histogram

	// ActionsInFlight tracks currently executing actions.
	ActionsInFlight metric.Int64UpDownCounter

	// --- Health Metrics ---

	// HealthChecksTotal counts health probes by kind and result.
	HealthChecksTotal metric.Int64Counter

	// HealthAlertsTotal counts alerts raised by the health monitor.
	HealthAlertsTotal metric.Int64Counter

	// CircuitState tracks circuit breaker state across monitored agents
	// (0=closed, 1=open, 2=half-open). Registered via RegisterCircuitState.
	CircuitState metric.Int64ObservableGauge

	// --- Pool Metrics ---

	// PoolCheckoutsTotal counts pool checkouts by pool and status.
	PoolCheckoutsTotal metric.Int64Counter

	// PoolScaleEventsTotal counts scale events by pool and direction.
	PoolScaleEventsTotal metric.Int64Counter

	// PoolQueueDepth tracks queued checkout requests per pool.
	PoolQueueDepth metric.Int64UpDownCounter

	// --- Shutdown Metrics ---

	// ShutdownsTotal counts shutdown requests by outcome (completed, forced).
	ShutdownsTotal metric.Int64Counter

	// ShutdownDuration records shutdown duration in seconds.
	ShutdownDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments registered.
//
// # Inputs
//
//   - meter: The OTel meter to use for registration.
//
// # Outputs
//
//   - *Metrics: All counters and histograms initialized.
//   - error: Non-nil if any instrument registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Lifecycle Metrics ---
	m.AgentStartsTotal, err = meter.Int64Counter(
		"armada_agent_starts_total",
		metric.WithDescription("Total agent starts"),
		metric.WithUnit("{start}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent_starts_total: %w", err)
	}

	m.AgentStopsTotal, err = meter.Int64Counter(
		"armada_agent_stops_total",
		metric.WithDescription("Total agent stops"),
		metric.WithUnit("{stop}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent_stops_total: %w", err)
	}

	m.AgentCrashesTotal, err = meter.Int64Counter(
		"armada_agent_crashes_total",
		metric.WithDescription("Total agent crashes"),
		metric.WithUnit("{crash}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create agent_crashes_total: %w", err)
	}

	m.RestartBackoffsTotal, err = meter.Int64Counter(
		"armada_restart_backoffs_total",
		metric.WithDescription("Restart attempts rejected by backoff"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create restart_backoffs_total: %w", err)
	}

	// --- Action Metrics ---
	m.ActionsTotal, err = meter.Int64Counter(
		"armada_actions_total",
		metric.WithDescription("Total actions executed"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create actions_total: %w", err)
	}

	m.ActionDuration, err = meter.Float64Histogram(
		"armada_action_duration_seconds",
		metric.WithDescription("Action execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create action_duration: %w", err)
	}

	m.ActionsInFlight, err = meter.Int64UpDownCounter(
		"armada_actions_in_flight",
		metric.WithDescription("Currently executing actions"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create actions_in_flight: %w", err)
	}

	// --- Health Metrics ---
	m.HealthChecksTotal, err = meter.Int64Counter(
		"armada_health_checks_total",
		metric.WithDescription("Total health probes"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create health_checks_total: %w", err)
	}

	m.HealthAlertsTotal, err = meter.Int64Counter(
		"armada_health_alerts_total",
		metric.WithDescription("Total health alerts raised"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create health_alerts_total: %w", err)
	}

	// Note: CircuitState requires a callback registration, handled separately.

	// --- Pool Metrics ---
	m.PoolCheckoutsTotal, err = meter.Int64Counter(
		"armada_pool_checkouts_total",
		metric.WithDescription("Total pool checkouts"),
		metric.WithUnit("{checkout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_checkouts_total: %w", err)
	}

	m.PoolScaleEventsTotal, err = meter.Int64Counter(
		"armada_pool_scale_events_total",
		metric.WithDescription("Total pool scale events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_scale_events_total: %w", err)
	}

	m.PoolQueueDepth, err = meter.Int64UpDownCounter(
		"armada_pool_queue_depth",
		metric.WithDescription("Queued checkout requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_queue_depth: %w", err)
	}

	// --- Shutdown Metrics ---
	m.ShutdownsTotal, err = meter.Int64Counter(
		"armada_shutdowns_total",
		metric.WithDescription("Total shutdown requests"),
		metric.WithUnit("{shutdown}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create shutdowns_total: %w", err)
	}

	m.ShutdownDuration, err = meter.Float64Histogram(
		"armada_shutdown_duration_seconds",
		metric.WithDescription("Shutdown duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create shutdown_duration: %w", err)
	}

	return m, nil
}

// RegisterCircuitState registers a callback for the circuit state gauge.
//
// # Description
//
// Sets up an observable gauge reporting the worst circuit breaker state
// across monitored agents. The callback is invoked on every scrape.
//
// # Inputs
//
//   - meter: The OTel meter to use for registration.
//   - stateFunc: Returns the current state (0=closed, 1=open, 2=half-open).
//
// # Outputs
//
//   - metric.Registration: Handle for cleanup.
//   - error: Non-nil if registration fails.
func (m *Metrics) RegisterCircuitState(meter metric.Meter, stateFunc func() int64) (metric.Registration, error) {
	var err error
	m.CircuitState, err = meter.Int64ObservableGauge(
		"armada_circuit_state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create circuit_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.CircuitState, stateFunc())
		return nil
	}, m.CircuitState)
}

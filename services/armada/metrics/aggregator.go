// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// AggregatorConfig configures the metrics aggregator.
type AggregatorConfig struct {
	// AggregationInterval is how often the working window is folded into
	// the ring buffers. Default: 1s.
	AggregationInterval time.Duration

	// BufferSlots is the capacity of each per-agent ring buffer.
	// Default: 60 (one minute of history at the default interval).
	BufferSlots int
}

// DefaultAggregatorConfig returns sensible defaults for the aggregator.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		AggregationInterval: time.Second,
		BufferSlots:         60,
	}
}

// ResourceSample is one observation of host resource usage.
type ResourceSample struct {
	Time          time.Time
	CPUPercent    float64
	MemoryPercent float64
}

// window accumulates execution events for the current interval.
type window struct {
	latenciesMs []float64
	completed   int64
	failed      int64
}

// series holds the folded per-agent ring buffers.
type series struct {
	// latencyMs keeps individual latencies (flattened per interval) so
	// percentiles interpolate over real observations, not interval means.
	latencyMs *RingBuffer[float64]

	// throughput keeps completed actions per second, one slot per interval.
	throughput *RingBuffer[float64]

	// errorRate keeps the failure fraction per interval.
	errorRate *RingBuffer[float64]

	executed int64
	errors   int64
}

// AgentStats is a statistics snapshot for one agent.
type AgentStats struct {
	AgentID string

	MeanLatencyMs float64
	P50LatencyMs  float64
	P95LatencyMs  float64
	P99LatencyMs  float64

	// ThroughputPerSec is the moving average of completed actions per
	// second over the buffered intervals.
	ThroughputPerSec float64

	// ErrorRate is the moving average failure fraction (0..1).
	ErrorRate float64

	Executed int64
	Errors   int64
}

// SystemStats aggregates statistics across all observed agents.
type SystemStats struct {
	Agents int

	MeanLatencyMs float64
	P50LatencyMs  float64
	P95LatencyMs  float64
	P99LatencyMs  float64

	ThroughputPerSec float64
	ErrorRate        float64

	Executed int64
	Errors   int64

	CPUPercent    float64
	MemoryPercent float64
}

// Snapshot is a full, non-incremental view of current statistics,
// regenerated per request.
type Snapshot struct {
	Time   time.Time
	Agents []AgentStats
	System SystemStats
}

// Aggregator ingests execution telemetry and resource samples and folds
// them into bounded ring buffers on a fixed interval.
//
// # Description
//
// The aggregator is a pure observer: it subscribes read-only to the
// telemetry bus and never calls back into the components it measures.
// Execution events accumulate in a per-agent working window; every
// aggregation tick folds the window into per-agent ring buffers for
// latency, throughput, and error rate, each bounded to BufferSlots with
// the oldest slot overwritten first.
//
// # Thread Safety
//
// Safe for concurrent use.
type Aggregator struct {
	cfg    AggregatorConfig
	logger *logging.Logger

	mu        sync.Mutex
	windows   map[string]*window
	series    map[string]*series
	resources *RingBuffer[ResourceSample]

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator. Call Start to begin ticking.
func NewAggregator(cfg AggregatorConfig, logger *logging.Logger) *Aggregator {
	if cfg.AggregationInterval <= 0 {
		cfg.AggregationInterval = DefaultAggregatorConfig().AggregationInterval
	}
	if cfg.BufferSlots <= 0 {
		cfg.BufferSlots = DefaultAggregatorConfig().BufferSlots
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{
		cfg:       cfg,
		logger:    logger.With("component", "metrics_aggregator"),
		windows:   make(map[string]*window),
		series:    make(map[string]*series),
		resources: NewRingBuffer[ResourceSample](cfg.BufferSlots),
		done:      make(chan struct{}),
	}
}

// Start begins the aggregation tick loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.AggregationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-ticker.C:
				a.fold()
			}
		}
	}()
}

// Observe consumes execution events from the bus until Close is called.
//
// Only action completion and failure events are ingested; everything else
// on the bus is ignored.
func (a *Aggregator) Observe(bus *telemetry.Bus) {
	ch, cancel := bus.Subscribe(256)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		for {
			select {
			case <-a.done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Kind {
				case telemetry.KindActionCompleted:
					a.RecordExecution(ev.AgentID, ev.Duration, true)
				case telemetry.KindActionFailed:
					a.RecordExecution(ev.AgentID, ev.Duration, false)
				}
			}
		}
	}()
}

// Close stops the tick loop and any bus observers.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

// RecordExecution adds one execution observation to the working window.
func (a *Aggregator) RecordExecution(agentID string, duration time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[agentID]
	if !ok {
		w = &window{}
		a.windows[agentID] = w
	}
	w.latenciesMs = append(w.latenciesMs, float64(duration)/float64(time.Millisecond))
	if success {
		w.completed++
	} else {
		w.failed++
	}
}

// RecordResource adds one host resource observation.
func (a *Aggregator) RecordResource(s ResourceSample) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources.Push(s)
}

// fold moves the current working windows into the ring buffers.
func (a *Aggregator) fold() {
	a.mu.Lock()
	defer a.mu.Unlock()

	perSec := a.cfg.AggregationInterval.Seconds()

	for id := range a.windows {
		if _, ok := a.series[id]; !ok {
			a.series[id] = &series{
				latencyMs:  NewRingBuffer[float64](a.cfg.BufferSlots),
				throughput: NewRingBuffer[float64](a.cfg.BufferSlots),
				errorRate:  NewRingBuffer[float64](a.cfg.BufferSlots),
			}
		}
	}

	// Every known agent gets a slot per interval, active or idle, so the
	// moving averages decay across the bounded window instead of freezing
	// at the last active value.
	for id, s := range a.series {
		w := a.windows[id]
		if w == nil {
			w = &window{}
		}

		for _, ms := range w.latenciesMs {
			s.latencyMs.Push(ms)
		}
		s.throughput.Push(float64(w.completed) / perSec)

		total := w.completed + w.failed
		if total > 0 {
			s.errorRate.Push(float64(w.failed) / float64(total))
		} else {
			s.errorRate.Push(0)
		}

		s.executed += total
		s.errors += w.failed

		delete(a.windows, id)
	}
}

// AgentStats returns the statistics snapshot for one agent.
//
// The second return is false when the agent has no folded samples yet.
func (a *Aggregator) AgentStats(agentID string) (AgentStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.series[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return a.statsLocked(agentID, s), true
}

// statsLocked computes AgentStats. Caller holds a.mu.
func (a *Aggregator) statsLocked(agentID string, s *series) AgentStats {
	latencies := s.latencyMs.Slice()
	sort.Float64s(latencies)

	return AgentStats{
		AgentID:          agentID,
		MeanLatencyMs:    mean(latencies),
		P50LatencyMs:     Percentile(latencies, 50),
		P95LatencyMs:     Percentile(latencies, 95),
		P99LatencyMs:     Percentile(latencies, 99),
		ThroughputPerSec: mean(s.throughput.Slice()),
		ErrorRate:        mean(s.errorRate.Slice()),
		Executed:         s.executed,
		Errors:           s.errors,
	}
}

// SystemStats aggregates across all agents, plus the latest host sample.
func (a *Aggregator) SystemStats() SystemStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.systemStatsLocked()
}

func (a *Aggregator) systemStatsLocked() SystemStats {
	var all []float64
	var throughput, errRateSum float64
	var executed, errors int64
	rated := 0

	for _, s := range a.series {
		all = append(all, s.latencyMs.Slice()...)
		throughput += mean(s.throughput.Slice())
		if s.errorRate.Len() > 0 {
			errRateSum += mean(s.errorRate.Slice())
			rated++
		}
		executed += s.executed
		errors += s.errors
	}
	sort.Float64s(all)

	out := SystemStats{
		Agents:           len(a.series),
		MeanLatencyMs:    mean(all),
		P50LatencyMs:     Percentile(all, 50),
		P95LatencyMs:     Percentile(all, 95),
		P99LatencyMs:     Percentile(all, 99),
		ThroughputPerSec: throughput,
		Executed:         executed,
		Errors:           errors,
	}
	if rated > 0 {
		out.ErrorRate = errRateSum / float64(rated)
	}
	if latest, ok := a.resources.Newest(); ok {
		out.CPUPercent = latest.CPUPercent
		out.MemoryPercent = latest.MemoryPercent
	}
	return out
}

// SnapshotNow renders a full snapshot of current statistics.
func (a *Aggregator) SnapshotNow() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{Time: time.Now()}
	ids := make([]string, 0, len(a.series))
	for id := range a.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Agents = append(snap.Agents, a.statsLocked(id, a.series[id]))
	}
	snap.System = a.systemStatsLocked()
	return snap
}

// Percentile computes the p-th percentile of sorted values using linear
// interpolation between closest ranks.
//
// # Inputs
//
//   - sorted: Values in ascending order.
//   - p: Percentile in [0, 100].
//
// # Outputs
//
//   - float64: Interpolated percentile, 0 for empty input.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := p / 100 * float64(n-1)
	lower := int(rank)
	frac := rank - float64(lower)
	if lower+1 >= n {
		return sorted[n-1]
	}
	return sorted[lower] + frac*(sorted[lower+1]-sorted[lower])
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

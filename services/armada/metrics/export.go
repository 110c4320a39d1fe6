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
	"fmt"
	"strings"
)

// RenderPrometheus renders a snapshot in Prometheus exposition format:
// one `name{tag="value",...} number` line per sample.
//
// The output is a full, non-incremental snapshot regenerated per call,
// suitable for an external scraper.
func RenderPrometheus(snap Snapshot) string {
	var b strings.Builder

	for _, s := range snap.Agents {
		writeProm(&b, "armada_agent_latency_ms", map[string]string{"agent_id": s.AgentID, "stat": "mean"}, s.MeanLatencyMs)
		writeProm(&b, "armada_agent_latency_ms", map[string]string{"agent_id": s.AgentID, "stat": "p50"}, s.P50LatencyMs)
		writeProm(&b, "armada_agent_latency_ms", map[string]string{"agent_id": s.AgentID, "stat": "p95"}, s.P95LatencyMs)
		writeProm(&b, "armada_agent_latency_ms", map[string]string{"agent_id": s.AgentID, "stat": "p99"}, s.P99LatencyMs)
		writeProm(&b, "armada_agent_throughput_per_second", map[string]string{"agent_id": s.AgentID}, s.ThroughputPerSec)
		writeProm(&b, "armada_agent_error_rate", map[string]string{"agent_id": s.AgentID}, s.ErrorRate)
		writeProm(&b, "armada_agent_actions_total", map[string]string{"agent_id": s.AgentID}, float64(s.Executed))
		writeProm(&b, "armada_agent_errors_total", map[string]string{"agent_id": s.AgentID}, float64(s.Errors))
	}

	sys := snap.System
	writeProm(&b, "armada_system_agents", nil, float64(sys.Agents))
	writeProm(&b, "armada_system_latency_ms", map[string]string{"stat": "mean"}, sys.MeanLatencyMs)
	writeProm(&b, "armada_system_latency_ms", map[string]string{"stat": "p50"}, sys.P50LatencyMs)
	writeProm(&b, "armada_system_latency_ms", map[string]string{"stat": "p95"}, sys.P95LatencyMs)
	writeProm(&b, "armada_system_latency_ms", map[string]string{"stat": "p99"}, sys.P99LatencyMs)
	writeProm(&b, "armada_system_throughput_per_second", nil, sys.ThroughputPerSec)
	writeProm(&b, "armada_system_error_rate", nil, sys.ErrorRate)
	writeProm(&b, "armada_system_actions_total", nil, float64(sys.Executed))
	writeProm(&b, "armada_system_errors_total", nil, float64(sys.Errors))
	writeProm(&b, "armada_system_cpu_percent", nil, sys.CPUPercent)
	writeProm(&b, "armada_system_memory_percent", nil, sys.MemoryPercent)

	return b.String()
}

func writeProm(b *strings.Builder, name string, tags map[string]string, value float64) {
	b.WriteString(name)
	if len(tags) > 0 {
		b.WriteByte('{')
		first := true
		// Stable order: agent_id then stat, matching the call sites.
		for _, key := range []string{"agent_id", "stat"} {
			v, ok := tags[key]
			if !ok {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%s=%q", key, v)
			first = false
		}
		b.WriteByte('}')
	}
	fmt.Fprintf(b, " %s\n", formatValue(value))
}

// RenderStatsD renders a snapshot in StatsD line format:
// one `name.path:number|type` line per sample. Gauges carry `|g`,
// counters `|c`, and timings `|ms`.
func RenderStatsD(snap Snapshot) string {
	var b strings.Builder

	for _, s := range snap.Agents {
		id := sanitizeStatsDPath(s.AgentID)
		writeStatsD(&b, "armada.agents."+id+".latency_ms.mean", s.MeanLatencyMs, "ms")
		writeStatsD(&b, "armada.agents."+id+".latency_ms.p50", s.P50LatencyMs, "ms")
		writeStatsD(&b, "armada.agents."+id+".latency_ms.p95", s.P95LatencyMs, "ms")
		writeStatsD(&b, "armada.agents."+id+".latency_ms.p99", s.P99LatencyMs, "ms")
		writeStatsD(&b, "armada.agents."+id+".throughput_per_second", s.ThroughputPerSec, "g")
		writeStatsD(&b, "armada.agents."+id+".error_rate", s.ErrorRate, "g")
		writeStatsD(&b, "armada.agents."+id+".actions_total", float64(s.Executed), "c")
		writeStatsD(&b, "armada.agents."+id+".errors_total", float64(s.Errors), "c")
	}

	sys := snap.System
	writeStatsD(&b, "armada.system.agents", float64(sys.Agents), "g")
	writeStatsD(&b, "armada.system.latency_ms.mean", sys.MeanLatencyMs, "ms")
	writeStatsD(&b, "armada.system.latency_ms.p50", sys.P50LatencyMs, "ms")
	writeStatsD(&b, "armada.system.latency_ms.p95", sys.P95LatencyMs, "ms")
	writeStatsD(&b, "armada.system.latency_ms.p99", sys.P99LatencyMs, "ms")
	writeStatsD(&b, "armada.system.throughput_per_second", sys.ThroughputPerSec, "g")
	writeStatsD(&b, "armada.system.error_rate", sys.ErrorRate, "g")
	writeStatsD(&b, "armada.system.actions_total", float64(sys.Executed), "c")
	writeStatsD(&b, "armada.system.errors_total", float64(sys.Errors), "c")
	writeStatsD(&b, "armada.system.cpu_percent", sys.CPUPercent, "g")
	writeStatsD(&b, "armada.system.memory_percent", sys.MemoryPercent, "g")

	return b.String()
}

func writeStatsD(b *strings.Builder, path string, value float64, typ string) {
	fmt.Fprintf(b, "%s:%s|%s\n", path, formatValue(value), typ)
}

// sanitizeStatsDPath replaces path-hostile characters in agent ids so they
// form a single StatsD path segment.
func sanitizeStatsDPath(id string) string {
	replacer := strings.NewReplacer(".", "_", ":", "_", "|", "_", " ", "_")
	return replacer.Replace(id)
}

// formatValue trims trailing zeros so integers render without decimals.
func formatValue(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

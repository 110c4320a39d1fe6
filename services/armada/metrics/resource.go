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
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/AleutianAI/armada/pkg/logging"
)

// ResourceSampler periodically feeds host CPU and memory usage into an
// Aggregator.
//
// # Description
//
// Samples are best-effort: a failed read logs a warning and skips the
// interval rather than stopping the sampler. The sampler owns its own
// goroutine; Close stops it.
type ResourceSampler struct {
	agg      *Aggregator
	interval time.Duration
	logger   *logging.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceSampler creates a sampler. Intervals <= 0 default to 5s.
func NewResourceSampler(agg *Aggregator, interval time.Duration, logger *logging.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ResourceSampler{
		agg:      agg,
		interval: interval,
		logger:   logger.With("component", "resource_sampler"),
		done:     make(chan struct{}),
	}
}

// Start begins sampling.
func (s *ResourceSampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sampleOnce()
			}
		}
	}()
}

// Close stops the sampler and waits for its goroutine to exit.
func (s *ResourceSampler) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *ResourceSampler) sampleOnce() {
	sample := ResourceSample{Time: time.Now()}

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		s.logger.Warn("cpu sample failed", "error", err)
	} else {
		sample.CPUPercent = cpuPercent[0]
	}

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		s.logger.Warn("memory sample failed", "error", err)
	} else {
		sample.MemoryPercent = vmStat.UsedPercent
	}

	s.agg.RecordResource(sample)
}

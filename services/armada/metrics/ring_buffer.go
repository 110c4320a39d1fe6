// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics implements the metrics pipeline of the orchestration
// core: bounded ring buffers for recent samples, an aggregator computing
// per-agent and system statistics with percentiles, plain-text export
// renderers, and a host resource sampler.
package metrics

// RingBuffer is a fixed-capacity circular buffer.
//
// # Description
//
// Provides O(1) push and bounded memory. When full, the oldest item is
// overwritten first. Used to keep the most recent N metric samples.
//
// # Thread Safety
//
// NOT safe for concurrent use; the owning component must synchronize.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
// Capacities <= 0 fall back to 60 slots.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 60
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push adds an item, overwriting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Slice returns all items from oldest to newest.
//
// The returned slice is a copy; modifications don't affect the buffer.
func (r *RingBuffer[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		result[i] = r.data[(start+i)%len(r.data)]
	}
	return result
}

// Last returns up to n items, newest first.
func (r *RingBuffer[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	result := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + 2*len(r.data)) % len(r.data)
		result[i] = r.data[idx]
	}
	return result
}

// Newest returns the most recently pushed item.
func (r *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := (r.head - 1 + len(r.data)) % len(r.data)
	return r.data[idx], true
}

// Len returns the current number of items.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the maximum capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.data) }

// IsFull reports whether the buffer is at capacity.
func (r *RingBuffer[T]) IsFull() bool { return r.count == len(r.data) }

// IsEmpty reports whether the buffer has no items.
func (r *RingBuffer[T]) IsEmpty() bool { return r.count == 0 }

// Clear removes all items.
func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}

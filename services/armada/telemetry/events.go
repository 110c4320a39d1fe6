// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides the event bus and OTel instruments for the
// orchestration core.
//
// # Description
//
// Every significant lifecycle transition (agent start/stop/restart, action
// execution, health checks, circuit changes, shutdown phases, pool scaling)
// is published as an Event on a Bus. External collaborators subscribe
// read-only; the orchestration components never consume their own events.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Publish never blocks: events are dropped
// for subscribers whose channels are full.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// defaultSubscriberBuffer is the channel buffer for each subscriber.
const defaultSubscriberBuffer = 64

// Kind identifies the transition an Event describes.
type Kind string

// Event kinds emitted by the orchestration core.
const (
	KindAgentStarted     Kind = "agent.started"
	KindAgentStartFailed Kind = "agent.start_failed"
	KindAgentStopped     Kind = "agent.stopped"
	KindAgentCrashed     Kind = "agent.crashed"
	KindAgentRestarted   Kind = "agent.restarted"

	KindActionStarted   Kind = "action.started"
	KindActionCompleted Kind = "action.completed"
	KindActionFailed    Kind = "action.failed"

	KindHealthCheck    Kind = "health.check"
	KindHealthChanged  Kind = "health.status_changed"
	KindCircuitChanged Kind = "health.circuit_changed"
	KindHealthAlert    Kind = "health.alert"

	KindRegistryRemoved Kind = "registry.removed"

	KindShutdownPhase Kind = "shutdown.phase_changed"

	KindPoolScaled  Kind = "pool.scaled"
	KindPoolQueued  Kind = "pool.queued"
	KindPoolDropped Kind = "pool.dropped"
)

// Event is the fixed metadata shape carried by every telemetry emission.
//
// AgentID and Kind are always set. Duration and Count carry measurements
// where the transition has one (action durations, scale deltas). Fields
// carries free-form string metadata such as "action", "reason", "phase".
type Event struct {
	AgentID  string
	Kind     Kind
	Time     time.Time
	Duration time.Duration
	Count    int64
	Fields   map[string]string
}

// Bus is an in-memory fan-out publisher for orchestration events.
//
// # Description
//
// Subscribers receive events on a buffered channel. Publishing is
// non-blocking: if a subscriber's buffer is full the event is dropped for
// that subscriber and counted, so a slow consumer can never stall an actor.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan Event
	dropped atomic.Int64
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber.
//
// # Inputs
//
//   - buffer: Channel buffer size. Values <= 0 use the default (64).
//
// # Outputs
//
//   - <-chan Event: Receives all events published after this call.
//   - func(): Cancel function. Closes the channel and removes the
//     subscription. Safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	id := uuid.New().String()
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking.
//
// A zero Time is filled with time.Now(). Events are dropped per-subscriber
// when buffers are full; see Dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

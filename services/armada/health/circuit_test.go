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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuit_OpensAfterThresholdFailures(t *testing.T) {
	c := NewCircuit(CircuitConfig{FailureThreshold: 3, Cooldown: time.Hour}, nil)

	c.RecordFailure()
	c.RecordFailure()
	assert.Equal(t, CircuitClosed, c.State(), "two failures stay closed")

	c.RecordFailure()
	assert.Equal(t, CircuitOpen, c.State())
	assert.False(t, c.Allow(), "open circuit rejects probes during cooldown")
}

func TestCircuit_SuccessResetsFailureCount(t *testing.T) {
	c := NewCircuit(CircuitConfig{FailureThreshold: 3, Cooldown: time.Hour}, nil)

	c.RecordFailure()
	c.RecordFailure()
	c.RecordSuccess()
	c.RecordFailure()
	c.RecordFailure()

	assert.Equal(t, CircuitClosed, c.State(), "non-consecutive failures never open")
}

func TestCircuit_HalfOpenRecovery(t *testing.T) {
	c := NewCircuit(CircuitConfig{FailureThreshold: 3, Cooldown: 20 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		c.RecordFailure()
	}
	require.Equal(t, CircuitOpen, c.State())
	require.False(t, c.Allow())

	time.Sleep(30 * time.Millisecond)

	require.True(t, c.Allow(), "cooldown elapsed, trial probe allowed")
	assert.Equal(t, CircuitHalfOpen, c.State())

	c.RecordSuccess()
	assert.Equal(t, CircuitClosed, c.State(), "half-open success closes")
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuit(CircuitConfig{FailureThreshold: 3, Cooldown: 20 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		c.RecordFailure()
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, c.Allow())
	require.Equal(t, CircuitHalfOpen, c.State())

	c.RecordFailure()
	assert.Equal(t, CircuitOpen, c.State())
	assert.False(t, c.Allow(), "cooldown restarts after a failed trial")
}

func TestCircuit_NotifiesTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	c := NewCircuit(CircuitConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, func(from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})

	c.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, c.Allow())
	c.RecordSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

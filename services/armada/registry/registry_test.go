// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// fakeRef is a death-watch handle for tests.
type fakeRef struct {
	done chan struct{}
}

func newFakeRef() *fakeRef                 { return &fakeRef{done: make(chan struct{})} }
func (f *fakeRef) Done() <-chan struct{}   { return f.done }
func (f *fakeRef) terminate()              { close(f.done) }

func TestRegistry_RegisterAndFind(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()

	ref := newFakeRef()
	err := r.Register(context.Background(), Registration{
		ID:           "a-1",
		Ref:          ref,
		Module:       "code_analysis",
		Tags:         []string{"analysis", "batch"},
		Capabilities: []string{"go"},
		Node:         "node-1",
	})
	require.NoError(t, err)

	h, ok := r.Get("a-1")
	require.True(t, ok)
	assert.Equal(t, "code_analysis", h.Module)
	assert.False(t, h.RegisteredAt.IsZero())

	assert.Len(t, r.FindByTag("analysis"), 1)
	assert.Len(t, r.FindByTag("missing"), 0)
	assert.Len(t, r.FindByCapability("go"), 1)
	assert.Len(t, r.FindByModule("code_analysis"), 1)
	assert.Len(t, r.FindByNode("node-1"), 1)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateIDRejected(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()

	require.NoError(t, r.Register(context.Background(), Registration{ID: "a-1", Ref: newFakeRef()}))

	err := r.Register(context.Background(), Registration{ID: "a-1", Ref: newFakeRef()})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistry_SameProcessReplacesMetadata(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()

	ref := newFakeRef()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, Registration{ID: "a-1", Ref: ref, Tags: []string{"old"}}))

	first, _ := r.Get("a-1")

	require.NoError(t, r.Register(ctx, Registration{ID: "a-1", Ref: ref, Tags: []string{"new"}}))

	h, ok := r.Get("a-1")
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, h.Tags)
	assert.Equal(t, first.RegisteredAt, h.RegisteredAt, "registration time survives idempotent replace")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Registration{ID: "a-1", Ref: newFakeRef()}))

	require.NoError(t, r.Unregister(ctx, "a-1"))
	_, ok := r.Get("a-1")
	assert.False(t, ok)

	// Second call, and a call for an unknown id: no error, no effect.
	require.NoError(t, r.Unregister(ctx, "a-1"))
	require.NoError(t, r.Unregister(ctx, "never-existed"))
}

func TestRegistry_DeathWatchRemovesEntry(t *testing.T) {
	bus := telemetry.NewBus()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	r := New(nil, bus)
	defer r.Close()

	ref := newFakeRef()
	require.NoError(t, r.Register(context.Background(), Registration{ID: "a-1", Ref: ref}))

	ref.terminate()

	require.Eventually(t, func() bool {
		_, ok := r.Get("a-1")
		return !ok
	}, time.Second, time.Millisecond, "entry should be purged after process death")

	select {
	case ev := <-events:
		assert.Equal(t, telemetry.KindRegistryRemoved, ev.Kind)
		assert.Equal(t, "a-1", ev.AgentID)
		assert.Equal(t, "terminated", ev.Fields["reason"])
	case <-time.After(time.Second):
		t.Fatal("no removal event emitted")
	}
}

func TestRegistry_DeathWatchIgnoresSupersededProcess(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()
	ctx := context.Background()

	old := newFakeRef()
	require.NoError(t, r.Register(ctx, Registration{ID: "a-1", Ref: old}))
	require.NoError(t, r.Unregister(ctx, "a-1"))

	// New process takes over the id, then the old one dies.
	require.NoError(t, r.Register(ctx, Registration{ID: "a-1", Ref: newFakeRef()}))
	old.terminate()

	// The new registration must survive.
	time.Sleep(50 * time.Millisecond)
	_, ok := r.Get("a-1")
	assert.True(t, ok)
}

func TestRegistry_UpdateLoad(t *testing.T) {
	r := New(nil, nil)
	defer r.Close()

	require.NoError(t, r.Register(context.Background(), Registration{ID: "a-1", Ref: newFakeRef()}))

	r.UpdateLoad("a-1", 3)

	require.Eventually(t, func() bool {
		h, ok := r.Get("a-1")
		return ok && h.Load == 3
	}, time.Second, time.Millisecond)

	// Unknown id is ignored.
	r.UpdateLoad("missing", 1)
}

func TestRegistry_ClosedRejectsWrites(t *testing.T) {
	r := New(nil, nil)
	r.Close()

	err := r.Register(context.Background(), Registration{ID: "a-1", Ref: newFakeRef()})
	assert.ErrorIs(t, err, ErrClosed)
}

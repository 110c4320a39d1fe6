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
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// ProcessRef is the death-watch handle of a registered process.
//
// Done is closed exactly once when the owning process terminates, for any
// reason. Runner satisfies this interface.
type ProcessRef interface {
	Done() <-chan struct{}
}

// Handle is one live directory entry.
//
// Handles returned from reads are copies; mutating them has no effect on
// the directory.
type Handle struct {
	ID           string
	Module       string
	Tags         []string
	Capabilities []string
	Node         string
	RegisteredAt time.Time
	Load         float64
	Metadata     map[string]string

	// Ref is the death-watch handle of the owning process.
	Ref ProcessRef
}

// Registration is the input to Register.
type Registration struct {
	ID           string
	Ref          ProcessRef
	Module       string
	Tags         []string
	Capabilities []string
	Node         string
	Metadata     map[string]string
}

// entry is the directory value. The handle pointer is swapped wholesale on
// every mutation so concurrent readers never observe a partial write.
type entry struct {
	handle *Handle
}

// Registry is the authoritative in-memory directory of live agents.
//
// # Description
//
// Reads (Get, Find*) access the concurrent directory directly and may
// briefly trail in-flight writes. Mutations (Register, Unregister,
// UpdateLoad) are serialized through the registry's control loop, so no
// two writes ever interleave. Registration installs a death-watch that
// removes the handle and emits a removal event when the process
// terminates.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	logger *logging.Logger
	bus    *telemetry.Bus

	dir sync.Map // id -> *entry

	ops      chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry and starts its control loop.
//
// # Inputs
//
//   - logger: Structured logger; nil uses the default.
//   - bus: Telemetry bus for removal events; may be nil.
func New(logger *logging.Logger, bus *telemetry.Bus) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Registry{
		logger: logger.With("component", "registry"),
		bus:    bus,
		ops:    make(chan func(), 128),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// loop serializes all directory mutations.
func (r *Registry) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case op := <-r.ops:
			op()
		}
	}
}

// Close stops the control loop. Pending mutations may be dropped.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// submit runs op on the control loop and waits for it to complete.
func (r *Registry) submit(ctx context.Context, op func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		op()
		close(doneCh)
	}
	select {
	case r.ops <- wrapped:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-doneCh:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds an agent to the directory and starts its death-watch.
//
// # Description
//
// Fails with ErrAlreadyRegistered when the id exists under a different
// process. Registering the same process again replaces tags, capabilities,
// and metadata idempotently without installing a second death-watch.
//
// # Inputs
//
//   - ctx: Bounds the wait on the control loop.
//   - reg: Registration data. Ref must be non-nil.
//
// # Outputs
//
//   - error: nil, ErrAlreadyRegistered, ErrClosed, or ctx error.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	var regErr error
	err := r.submit(ctx, func() {
		regErr = r.register(reg)
	})
	if err != nil {
		return err
	}
	return regErr
}

// register runs on the control loop.
func (r *Registry) register(reg Registration) error {
	now := time.Now()
	fresh := &Handle{
		ID:           reg.ID,
		Module:       reg.Module,
		Tags:         slices.Clone(reg.Tags),
		Capabilities: slices.Clone(reg.Capabilities),
		Node:         reg.Node,
		RegisteredAt: now,
		Metadata:     cloneMeta(reg.Metadata),
		Ref:          reg.Ref,
	}

	if v, ok := r.dir.Load(reg.ID); ok {
		existing := v.(*entry)
		if existing.handle.Ref != reg.Ref {
			return ErrAlreadyRegistered
		}
		// Same process re-registering: idempotent metadata replace,
		// keep the original registration time and watcher.
		fresh.RegisteredAt = existing.handle.RegisteredAt
		fresh.Load = existing.handle.Load
		r.dir.Store(reg.ID, &entry{handle: fresh})
		return nil
	}

	r.dir.Store(reg.ID, &entry{handle: fresh})
	r.watch(reg.ID, reg.Ref)

	r.logger.Info("agent registered",
		"agent_id", reg.ID,
		"module", reg.Module,
		"tags", reg.Tags,
	)
	return nil
}

// watch removes the entry when the owning process terminates.
func (r *Registry) watch(id string, ref ProcessRef) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.done:
			return
		case <-ref.Done():
		}
		// Remove only if this process still owns the entry.
		select {
		case r.ops <- func() { r.removeIfOwned(id, ref, "terminated") }:
		case <-r.done:
		}
	}()
}

// removeIfOwned runs on the control loop.
func (r *Registry) removeIfOwned(id string, ref ProcessRef, reason string) {
	v, ok := r.dir.Load(id)
	if !ok || v.(*entry).handle.Ref != ref {
		return
	}
	r.dir.Delete(id)
	r.logger.Info("agent removed", "agent_id", id, "reason", reason)
	if r.bus != nil {
		r.bus.Publish(telemetry.Event{
			AgentID: id,
			Kind:    telemetry.KindRegistryRemoved,
			Fields:  map[string]string{"reason": reason},
		})
	}
}

// Unregister removes an agent from the directory.
//
// A no-op when the id is unknown; calling it twice has no second effect.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	return r.submit(ctx, func() {
		v, ok := r.dir.Load(id)
		if !ok {
			return
		}
		r.removeIfOwned(id, v.(*entry).handle.Ref, "unregistered")
	})
}

// UpdateLoad merges the current load figure into the agent's handle.
//
// Fire-and-forget: callers never block on the control loop, so reported
// load may be briefly stale. Unknown ids are ignored.
func (r *Registry) UpdateLoad(id string, load float64) {
	op := func() {
		v, ok := r.dir.Load(id)
		if !ok {
			return
		}
		old := v.(*entry).handle
		updated := *old
		updated.Load = load
		r.dir.Store(id, &entry{handle: &updated})
	}
	select {
	case r.ops <- op:
	case <-r.done:
	default:
		// Control loop saturated; drop the sample, the next one wins.
	}
}

// Get returns the handle for the given id.
func (r *Registry) Get(id string) (Handle, bool) {
	v, ok := r.dir.Load(id)
	if !ok {
		return Handle{}, false
	}
	return *v.(*entry).handle, true
}

// FindByTag returns handles of all agents carrying the given tag.
func (r *Registry) FindByTag(tag string) []Handle {
	return r.find(func(h *Handle) bool { return slices.Contains(h.Tags, tag) })
}

// FindByCapability returns handles of all agents with the capability.
func (r *Registry) FindByCapability(capability string) []Handle {
	return r.find(func(h *Handle) bool { return slices.Contains(h.Capabilities, capability) })
}

// FindByModule returns handles of all agents with the module tag.
func (r *Registry) FindByModule(module string) []Handle {
	return r.find(func(h *Handle) bool { return h.Module == module })
}

// FindByNode returns handles of all agents on the given node.
func (r *Registry) FindByNode(node string) []Handle {
	return r.find(func(h *Handle) bool { return h.Node == node })
}

// All returns every live handle.
func (r *Registry) All() []Handle {
	return r.find(func(*Handle) bool { return true })
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	r.dir.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) find(match func(*Handle) bool) []Handle {
	var out []Handle
	r.dir.Range(func(_, v any) bool {
		h := v.(*entry).handle
		if match(h) {
			out = append(out, *h)
		}
		return true
	})
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

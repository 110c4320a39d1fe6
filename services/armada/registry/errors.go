// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry implements the in-memory discovery directory of live
// agents.
//
// # Description
//
// The registry is the authoritative map from agent id to AgentHandle.
// Reads hit a concurrent directory directly and are eventually consistent
// with writes; all mutations are serialized through the registry's own
// control loop. Every registration starts a death-watch on the owning
// process so no stale entry survives a crash.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
package registry

import "errors"

// Sentinel errors for registry operations.
var (
	// ErrAlreadyRegistered is returned when an id is registered under a
	// different live process. Re-registering the same process replaces
	// its metadata idempotently instead.
	ErrAlreadyRegistered = errors.New("agent id already registered to another process")

	// ErrClosed is returned when the registry control loop has stopped.
	ErrClosed = errors.New("registry is closed")
)

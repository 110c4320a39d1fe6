// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner hosts one agent behind a mailbox and executes its
// actions one at a time.
//
// # Description
//
// A Runner owns an agent's private state. Callers submit actions through
// ExecuteAction; the runner's loop dequeues them in order, applies the
// agent's transition function, and replies. Panics inside the agent crash
// the runner rather than the process: the crash cause is recorded, Done()
// closes, and the registry's death-watch takes it from there.
//
// # Thread Safety
//
// Runner is safe for concurrent use. Agent state is touched only by the
// runner's own goroutine.
package runner

import "errors"

// Sentinel errors for runner operations.
var (
	// ErrDraining is returned for new work submitted after Drain.
	ErrDraining = errors.New("runner is draining")

	// ErrTerminated is returned when the runner has crashed or been killed.
	ErrTerminated = errors.New("runner has terminated")

	// ErrMailboxFull is returned when the mailbox cannot accept more work.
	ErrMailboxFull = errors.New("runner mailbox is full")
)

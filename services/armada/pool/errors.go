// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool maintains a bounded fleet of interchangeable runners and
// hands them out to callers.
package pool

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrClosed is returned once the pool has shut down.
	ErrClosed = errors.New("pool is closed")

	// ErrQueueFull is returned under the queue overflow policy when the
	// waiter queue is at capacity.
	ErrQueueFull = errors.New("pool waiter queue is full")

	// ErrAtMaxSize is returned under the spawn overflow policy when the
	// pool cannot grow further.
	ErrAtMaxSize = errors.New("pool is at maximum size")

	// ErrNoneAvailable is returned under the fail overflow policy when
	// every runner is busy.
	ErrNoneAvailable = errors.New("no runner available")
)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent defines the behavior boundary between the orchestration
// core and the work agents actually perform.
//
// # Description
//
// The orchestration core never knows what an agent computes. An Agent is
// a pure transition function over opaque state: the runner owns the state
// and feeds it through HandleAction one action at a time. Task
// decomposition, LLM prompting, and persistence all live behind this
// interface.
package agent

import "context"

// Params carries the parameters of one action invocation.
type Params map[string]any

// Agent is the transition function executed by a runner.
//
// # Thread Safety
//
// Implementations are never called concurrently for the same agent
// instance; the owning runner serializes all invocations.
type Agent interface {
	// Module returns the agent's type tag, e.g. "code_analysis" or
	// "conversation". Used for registry lookups and telemetry.
	Module() string

	// HandleAction executes one action against the current state.
	//
	// # Inputs
	//
	//   - ctx: Carries the caller's deadline. Implementations should
	//     respect cancellation for long-running work.
	//   - state: The agent's current private state (opaque to the core).
	//   - action: Action name.
	//   - params: Action parameters.
	//
	// # Outputs
	//
	//   - result: Returned to the caller on success.
	//   - next: The replacement state. Applied by the runner only when
	//     err is nil.
	//   - err: Non-nil marks the action failed; state is kept unchanged.
	HandleAction(ctx context.Context, state any, action string, params Params) (result any, next any, err error)
}

// Snapshotter is optionally implemented by agents whose state should be
// persisted during graceful shutdown. Snapshot failures are logged and
// never block termination.
type Snapshotter interface {
	Snapshot(ctx context.Context, state any) error
}

// HandlerFunc adapts a plain function to the Agent interface.
type HandlerFunc func(ctx context.Context, state any, action string, params Params) (any, any, error)

type funcAgent struct {
	module string
	fn     HandlerFunc
}

// New wraps a handler function as an Agent with the given module tag.
//
// # Example
//
//	echo := agent.New("echo", func(ctx context.Context, state any, action string, params agent.Params) (any, any, error) {
//	    return params["message"], state, nil
//	})
func New(module string, fn HandlerFunc) Agent {
	return &funcAgent{module: module, fn: fn}
}

func (a *funcAgent) Module() string { return a.module }

func (a *funcAgent) HandleAction(ctx context.Context, state any, action string, params Params) (any, any, error) {
	return a.fn(ctx, state, action, params)
}

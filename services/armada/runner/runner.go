// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// LoadReporter receives the runner's current load figure. The registry
// satisfies this interface.
type LoadReporter interface {
	UpdateLoad(id string, load float64)
}

// Config configures a runner.
type Config struct {
	// MailboxSize bounds queued actions. Default: 64.
	MailboxSize int

	// StartupGrace is how long after start the startup probe keeps
	// reporting "starting" unless an action has already completed.
	// Default: 5s.
	StartupGrace time.Duration

	// ReadyMaxQueueFraction is the mailbox fill fraction above which the
	// readiness probe reports not-ready. Default: 0.8.
	ReadyMaxQueueFraction float64

	// ReadyMaxErrorRate is the recent error-rate ceiling for readiness.
	// Default: 0.5.
	ReadyMaxErrorRate float64

	// OutcomeWindow is how many recent action outcomes feed the readiness
	// error rate. Default: 20.
	OutcomeWindow int
}

// DefaultConfig returns sensible defaults for a runner.
func DefaultConfig() Config {
	return Config{
		MailboxSize:           64,
		StartupGrace:          5 * time.Second,
		ReadyMaxQueueFraction: 0.8,
		ReadyMaxErrorRate:     0.5,
		OutcomeWindow:         20,
	}
}

// Options carries the runner's optional collaborators. Any field may be
// nil.
type Options struct {
	Logger  *logging.Logger
	Bus     *telemetry.Bus
	Metrics *telemetry.Metrics
	Loads   LoadReporter
}

// envelope is one queued action.
type envelope struct {
	ctx    context.Context
	action string
	params agent.Params
	reply  chan response
}

type response struct {
	result any
	err    error
}

// Stats is a point-in-time view of a runner's counters.
type Stats struct {
	Executed int64
	Failed   int64
	Pending  int
	Uptime   time.Duration
}

// Runner executes one agent's actions sequentially from a mailbox.
type Runner struct {
	id    string
	agent agent.Agent
	state any

	cfg     Config
	logger  *logging.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	loads   LoadReporter

	mailbox chan envelope
	control chan func()

	queued    atomic.Int64
	executing atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64

	// outcomes holds recent action results for the readiness error rate.
	outcomeMu sync.Mutex
	outcomes  []bool
	outcomeAt int
	outcomeN  int

	startedAt time.Time
	draining  atomic.Bool

	done     chan struct{}
	termOnce sync.Once
	crash    atomic.Pointer[crashInfo]
}

type crashInfo struct {
	cause error
	at    time.Time
}

// New creates a runner for the agent and starts its loop.
func New(id string, ag agent.Agent, initialState any, cfg Config, opts Options) *Runner {
	def := DefaultConfig()
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = def.StartupGrace
	}
	if cfg.ReadyMaxQueueFraction <= 0 {
		cfg.ReadyMaxQueueFraction = def.ReadyMaxQueueFraction
	}
	if cfg.ReadyMaxErrorRate <= 0 {
		cfg.ReadyMaxErrorRate = def.ReadyMaxErrorRate
	}
	if cfg.OutcomeWindow <= 0 {
		cfg.OutcomeWindow = def.OutcomeWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := &Runner{
		id:        id,
		agent:     ag,
		state:     initialState,
		cfg:       cfg,
		logger:    logger.With("component", "runner", "agent_id", id, "module", ag.Module()),
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		loads:     opts.Loads,
		mailbox:   make(chan envelope, cfg.MailboxSize),
		control:   make(chan func()),
		outcomes:  make([]bool, cfg.OutcomeWindow),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// ID returns the runner's agent id.
func (r *Runner) ID() string { return r.id }

// Module returns the hosted agent's module tag.
func (r *Runner) Module() string { return r.agent.Module() }

// Done is closed when the runner terminates for any reason.
func (r *Runner) Done() <-chan struct{} { return r.done }

// CrashCause returns the recorded crash cause, or nil for a clean stop.
func (r *Runner) CrashCause() error {
	if ci := r.crash.Load(); ci != nil {
		return ci.cause
	}
	return nil
}

// ExecuteAction submits one action and waits for its result.
//
// # Inputs
//
//   - ctx: Bounds both the queue wait and the caller's wait for the
//     reply. The action itself also receives this context.
//   - action: Action name, dispatched to the agent.
//   - params: Action parameters.
//
// # Outputs
//
//   - any: The agent's result on success.
//   - error: ErrDraining, ErrTerminated, ErrMailboxFull, a ctx error, or
//     the agent's own failure.
func (r *Runner) ExecuteAction(ctx context.Context, action string, params agent.Params) (any, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}
	select {
	case <-r.done:
		return nil, ErrTerminated
	default:
	}

	env := envelope{ctx: ctx, action: action, params: params, reply: make(chan response, 1)}

	r.queued.Add(1)
	r.reportLoad()
	select {
	case r.mailbox <- env:
	default:
		r.queued.Add(-1)
		r.reportLoad()
		return nil, ErrMailboxFull
	}

	select {
	case resp := <-env.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrTerminated
	}
}

// Drain stops accepting new work. Queued actions still run.
func (r *Runner) Drain() {
	r.draining.Store(true)
}

// Pending returns queued plus in-flight actions.
func (r *Runner) Pending() int {
	return int(r.queued.Load() + r.executing.Load())
}

// Kill terminates the runner immediately. Queued actions are abandoned;
// waiting callers receive ErrTerminated.
func (r *Runner) Kill() {
	r.terminate(nil)
}

// Stats returns the runner's counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Executed: r.executed.Load(),
		Failed:   r.failed.Load(),
		Pending:  r.Pending(),
		Uptime:   time.Since(r.startedAt),
	}
}

// Liveness reports whether the loop answers a control ping within the
// timeout. A runner stuck inside an action fails this probe.
func (r *Runner) Liveness(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	reply := make(chan struct{})
	select {
	case r.control <- func() { close(reply) }:
	case <-deadline.C:
		return false
	case <-r.done:
		return false
	}
	select {
	case <-reply:
		return true
	case <-deadline.C:
		return false
	case <-r.done:
		return false
	}
}

// Ready reports whether the runner should receive new traffic.
func (r *Runner) Ready() bool {
	select {
	case <-r.done:
		return false
	default:
	}
	if r.draining.Load() {
		return false
	}
	fill := float64(r.queued.Load()) / float64(r.cfg.MailboxSize)
	if fill > r.cfg.ReadyMaxQueueFraction {
		return false
	}
	return r.recentErrorRate() < r.cfg.ReadyMaxErrorRate
}

// Started reports whether the runner has passed its startup phase:
// either one action completed or the grace period elapsed.
func (r *Runner) Started() bool {
	if r.executed.Load()+r.failed.Load() > 0 {
		return true
	}
	return time.Since(r.startedAt) >= r.cfg.StartupGrace
}

// Snapshot persists the agent's state when the agent supports it.
//
// While the loop is alive the snapshot runs on the loop goroutine so it
// never races an in-flight action. After termination the state is frozen
// and is read directly.
func (r *Runner) Snapshot(ctx context.Context) error {
	snap, ok := r.agent.(agent.Snapshotter)
	if !ok {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case r.control <- func() { reply <- snap.Snapshot(ctx, r.state) }:
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-r.done:
		return snap.Snapshot(ctx, r.state)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ===== loop =====

func (r *Runner) loop() {
	for {
		select {
		case <-r.done:
			return
		case op := <-r.control:
			op()
		case env := <-r.mailbox:
			r.queued.Add(-1)
			r.executing.Store(1)
			r.reportLoad()
			crashed := r.execute(env)
			r.executing.Store(0)
			r.reportLoad()
			if crashed {
				return
			}
		}
	}
}

// execute runs one action, recovering agent panics into a runner crash.
func (r *Runner) execute(env envelope) (crashed bool) {
	defer func() {
		if p := recover(); p != nil {
			cause := fmt.Errorf("agent panic: %v", p)
			r.logger.Error("agent panicked", "action", env.action, "panic", p)
			env.reply <- response{err: cause}
			r.recordCrash(cause)
			r.terminate(cause)
			crashed = true
		}
	}()

	if err := env.ctx.Err(); err != nil {
		env.reply <- response{err: err}
		return false
	}

	start := time.Now()
	r.publish(telemetry.Event{
		AgentID: r.id,
		Kind:    telemetry.KindActionStarted,
		Fields:  map[string]string{"action": env.action},
	})
	if r.metrics != nil {
		r.metrics.ActionsInFlight.Add(env.ctx, 1)
		defer r.metrics.ActionsInFlight.Add(context.Background(), -1)
	}

	result, next, err := r.agent.HandleAction(env.ctx, r.state, env.action, env.params)
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("module", r.agent.Module()),
		attribute.String("action", env.action),
		attribute.Bool("success", err == nil),
	)
	if r.metrics != nil {
		r.metrics.ActionsTotal.Add(context.Background(), 1, attrs)
		r.metrics.ActionDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	}

	if err != nil {
		r.failed.Add(1)
		r.recordOutcome(false)
		r.publish(telemetry.Event{
			AgentID:  r.id,
			Kind:     telemetry.KindActionFailed,
			Duration: elapsed,
			Fields:   map[string]string{"action": env.action, "error": err.Error()},
		})
		env.reply <- response{err: err}
		return false
	}

	// State advances only on success.
	r.state = next
	r.executed.Add(1)
	r.recordOutcome(true)
	r.publish(telemetry.Event{
		AgentID:  r.id,
		Kind:     telemetry.KindActionCompleted,
		Duration: elapsed,
		Fields:   map[string]string{"action": env.action},
	})
	env.reply <- response{result: result}
	return false
}

func (r *Runner) terminate(cause error) {
	r.termOnce.Do(func() {
		if cause != nil {
			r.recordCrash(cause)
		}
		close(r.done)
	})
}

func (r *Runner) recordCrash(cause error) {
	if !r.crash.CompareAndSwap(nil, &crashInfo{cause: cause, at: time.Now()}) {
		return
	}
	r.publish(telemetry.Event{
		AgentID: r.id,
		Kind:    telemetry.KindAgentCrashed,
		Fields:  map[string]string{"cause": cause.Error()},
	})
	if r.metrics != nil {
		r.metrics.AgentCrashesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("module", r.agent.Module())))
	}
}

func (r *Runner) recordOutcome(success bool) {
	r.outcomeMu.Lock()
	r.outcomes[r.outcomeAt] = success
	r.outcomeAt = (r.outcomeAt + 1) % len(r.outcomes)
	if r.outcomeN < len(r.outcomes) {
		r.outcomeN++
	}
	r.outcomeMu.Unlock()
}

func (r *Runner) recentErrorRate() float64 {
	r.outcomeMu.Lock()
	defer r.outcomeMu.Unlock()
	if r.outcomeN == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < r.outcomeN; i++ {
		if !r.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(r.outcomeN)
}

func (r *Runner) reportLoad() {
	if r.loads != nil {
		r.loads.UpdateLoad(r.id, float64(r.queued.Load()+r.executing.Load()))
	}
}

func (r *Runner) publish(ev telemetry.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/metrics"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

// Spawner creates one fresh runner for the pool.
type Spawner func(ctx context.Context) (*runner.Runner, error)

// Strategy selects which available runner a checkout receives.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategyLeastLoaded Strategy = "least_loaded"
)

// OverflowPolicy decides what happens when every runner is busy.
type OverflowPolicy string

const (
	// OverflowQueue parks the caller in a bounded FIFO queue.
	OverflowQueue OverflowPolicy = "queue"

	// OverflowFail rejects the checkout immediately.
	OverflowFail OverflowPolicy = "fail"

	// OverflowSpawn grows the pool up to MaxSize.
	OverflowSpawn OverflowPolicy = "spawn"
)

// Config configures a pool.
type Config struct {
	// MinSize is the floor the pool never shrinks below. Default: 1.
	MinSize int

	// MaxSize is the ceiling the pool never grows above. Default: 8.
	MaxSize int

	// TargetSize is the warm-up size, clamped to [MinSize, MaxSize].
	// Default: MinSize.
	TargetSize int

	// Strategy selects runners on checkout. Default: round_robin.
	Strategy Strategy

	// Overflow decides behavior when all runners are busy.
	// Default: queue.
	Overflow OverflowPolicy

	// QueueSize bounds the waiter queue under the queue policy.
	// Default: 32.
	QueueSize int

	// ScaleInterval is the autoscaler's sampling cadence. Default: 5s.
	ScaleInterval time.Duration

	// UtilizationWindow is how many samples feed the moving average.
	// Default: 12.
	UtilizationWindow int

	// ScaleUpThreshold grows the pool when the average utilization
	// exceeds it. Default: 0.8.
	ScaleUpThreshold float64

	// ScaleDownThreshold shrinks the pool when the average utilization
	// falls below it. Default: 0.2.
	ScaleDownThreshold float64

	// ScaleCooldown is the minimum spacing between scaling moves.
	// Default: 30s.
	ScaleCooldown time.Duration
}

// DefaultConfig returns sensible defaults for a pool.
func DefaultConfig() Config {
	return Config{
		MinSize:            1,
		MaxSize:            8,
		Strategy:           StrategyRoundRobin,
		Overflow:           OverflowQueue,
		QueueSize:          32,
		ScaleInterval:      5 * time.Second,
		UtilizationWindow:  12,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		ScaleCooldown:      30 * time.Second,
	}
}

// waiter is one parked checkout.
type waiter struct {
	ch chan *runner.Runner
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int
	Available int
	Busy      int
	Queued    int
}

// Pool owns a fleet of runners all hosting the same agent module.
//
// # Description
//
// A checkout hands an available runner to exactly one caller; a checkin
// returns it, or passes it straight to the oldest waiter. The available
// and busy sets are disjoint at all times. Crashed runners are evicted
// by a death-watch and replaced when the fleet would fall below MinSize.
// The autoscaler keeps a moving average of utilization and grows the
// fleet by twenty percent or shrinks it by ten, bounded by the
// configured sizes and a cooldown.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	cfg     Config
	spawner Spawner
	logger  *logging.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics

	mu        sync.Mutex
	members   map[string]*runner.Runner
	available []*runner.Runner
	busy      map[string]*runner.Runner
	waiters   []*waiter
	spawning  int
	rrNext    int
	util      *metrics.RingBuffer[float64]
	lastScale time.Time
	closed    bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options carries the pool's optional collaborators.
type Options struct {
	Logger  *logging.Logger
	Bus     *telemetry.Bus
	Metrics *telemetry.Metrics
}

// New creates a pool and warms it up to the target size.
//
// # Outputs
//
//   - *Pool: Never nil on success.
//   - error: The first spawn failure when the warm-up cannot reach
//     MinSize.
func New(ctx context.Context, cfg Config, spawn Spawner, opts Options) (*Pool, error) {
	def := DefaultConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = max(cfg.MinSize, def.MaxSize)
	}
	if cfg.TargetSize < cfg.MinSize {
		cfg.TargetSize = cfg.MinSize
	}
	if cfg.TargetSize > cfg.MaxSize {
		cfg.TargetSize = cfg.MaxSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = def.ScaleInterval
	}
	if cfg.UtilizationWindow <= 0 {
		cfg.UtilizationWindow = def.UtilizationWindow
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if cfg.ScaleCooldown <= 0 {
		cfg.ScaleCooldown = def.ScaleCooldown
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	p := &Pool{
		cfg:     cfg,
		spawner: spawn,
		logger:  logger.With("component", "pool"),
		bus:     opts.Bus,
		metrics: opts.Metrics,
		members: make(map[string]*runner.Runner),
		busy:    make(map[string]*runner.Runner),
		util:    metrics.NewRingBuffer[float64](cfg.UtilizationWindow),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.TargetSize; i++ {
		if err := p.addRunner(ctx); err != nil {
			if p.Stats().Total < cfg.MinSize {
				p.Close()
				return nil, err
			}
			p.logger.Warn("warm-up spawn failed above the floor", "error", err)
			break
		}
	}

	p.wg.Add(1)
	go p.scaleLoop()
	return p, nil
}

// Close kills every runner and releases all waiters.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	p.closed = true
	members := make([]*runner.Runner, 0, len(p.members))
	for _, r := range p.members {
		members = append(members, r)
	}
	p.members = make(map[string]*runner.Runner)
	p.available = nil
	p.busy = make(map[string]*runner.Runner)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	for _, r := range members {
		r.Kill()
	}
	p.wg.Wait()
}

// Checkout hands an exclusive runner to the caller.
//
// # Outputs
//
//   - *runner.Runner: Must be returned with Checkin.
//   - error: ErrClosed, ErrQueueFull, ErrAtMaxSize, ErrNoneAvailable,
//     or a ctx or spawn error.
func (p *Pool) Checkout(ctx context.Context) (*runner.Runner, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if r := p.takeLocked(); r != nil {
		p.mu.Unlock()
		p.countCheckout("hit")
		return r, nil
	}

	switch p.cfg.Overflow {
	case OverflowFail:
		p.mu.Unlock()
		p.countCheckout("fail")
		return nil, ErrNoneAvailable

	case OverflowSpawn:
		if len(p.members)+p.spawning >= p.cfg.MaxSize {
			p.mu.Unlock()
			p.countCheckout("at_max")
			return nil, ErrAtMaxSize
		}
		p.spawning++
		p.mu.Unlock()

		r, err := p.spawner(ctx)
		p.mu.Lock()
		p.spawning--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			r.Kill()
			return nil, ErrClosed
		}
		// Adopt it straight into the busy set; the caller owns it.
		p.members[r.ID()] = r
		p.busy[r.ID()] = r
		p.wg.Add(1)
		go p.watch(r)
		p.mu.Unlock()
		p.countCheckout("spawned")
		return r, nil

	default: // OverflowQueue
		if len(p.waiters) >= p.cfg.QueueSize {
			p.mu.Unlock()
			p.publish(telemetry.Event{Kind: telemetry.KindPoolDropped})
			p.countCheckout("dropped")
			return nil, ErrQueueFull
		}
		w := &waiter{ch: make(chan *runner.Runner, 1)}
		p.waiters = append(p.waiters, w)
		depth := len(p.waiters)
		p.mu.Unlock()

		p.publish(telemetry.Event{Kind: telemetry.KindPoolQueued, Count: int64(depth)})
		if p.metrics != nil {
			p.metrics.PoolQueueDepth.Add(context.Background(), 1)
		}

		select {
		case r, ok := <-w.ch:
			if p.metrics != nil {
				p.metrics.PoolQueueDepth.Add(context.Background(), -1)
			}
			if !ok {
				return nil, ErrClosed
			}
			p.countCheckout("queued")
			return r, nil
		case <-ctx.Done():
			if p.metrics != nil {
				p.metrics.PoolQueueDepth.Add(context.Background(), -1)
			}
			p.mu.Lock()
			removed := p.removeWaiterLocked(w)
			p.mu.Unlock()
			if !removed {
				// A handoff won the race; put the runner back.
				if r, ok := <-w.ch; ok {
					p.Checkin(r)
				}
			}
			return nil, ctx.Err()
		}
	}
}

// Checkin returns a runner to the pool. Dead runners are discarded.
func (p *Pool) Checkin(r *runner.Runner) {
	select {
	case <-r.Done():
		// The death-watch evicts and replaces it.
		return
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.Kill()
		return
	}
	if _, ok := p.members[r.ID()]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, r.ID())

	// The oldest waiter gets it directly; it never touches the
	// available set.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.busy[r.ID()] = r
		p.mu.Unlock()
		w.ch <- r
		return
	}

	p.available = append(p.available, r)
	p.mu.Unlock()
}

// Execute checks out a runner, runs one action, and checks it back in.
func (p *Pool) Execute(ctx context.Context, action string, params agent.Params) (any, error) {
	r, err := p.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Checkin(r)
	return r.ExecuteAction(ctx, action, params)
}

// Stats returns the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     len(p.members),
		Available: len(p.available),
		Busy:      len(p.busy),
		Queued:    len(p.waiters),
	}
}

// ===== internal =====

// takeLocked claims one available runner per the strategy. Must run with
// the lock held.
func (p *Pool) takeLocked() *runner.Runner {
	n := len(p.available)
	if n == 0 {
		return nil
	}

	idx := 0
	switch p.cfg.Strategy {
	case StrategyRandom:
		idx = rand.Intn(n)
	case StrategyLeastLoaded:
		for i := 1; i < n; i++ {
			if p.available[i].Pending() < p.available[idx].Pending() {
				idx = i
			}
		}
	default: // round robin
		idx = p.rrNext % n
		p.rrNext++
	}

	r := p.available[idx]
	p.available = append(p.available[:idx], p.available[idx+1:]...)
	p.busy[r.ID()] = r
	return r
}

// addRunner spawns and adopts one runner.
func (p *Pool) addRunner(ctx context.Context) error {
	r, err := p.spawner(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		r.Kill()
		return ErrClosed
	}
	p.adoptLocked(r)
	p.mu.Unlock()
	return nil
}

// adoptLocked inserts a fresh runner as available (or hands it to a
// waiter) and starts its death-watch. Must run with the lock held.
func (p *Pool) adoptLocked(r *runner.Runner) {
	p.members[r.ID()] = r
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.busy[r.ID()] = r
		go func() { w.ch <- r }()
	} else {
		p.available = append(p.available, r)
	}

	p.wg.Add(1)
	go p.watch(r)
}

// watch evicts a runner when it dies and replaces it below the floor.
func (p *Pool) watch(r *runner.Runner) {
	defer p.wg.Done()
	select {
	case <-p.done:
		return
	case <-r.Done():
	}

	p.mu.Lock()
	if _, ok := p.members[r.ID()]; !ok {
		p.mu.Unlock()
		return
	}
	p.evictLocked(r.ID())
	needReplace := !p.closed && len(p.members)+p.spawning < p.cfg.MinSize
	if needReplace {
		p.spawning++
	}
	p.mu.Unlock()

	p.logger.Warn("pool runner died", "agent_id", r.ID(), "replacing", needReplace)
	if !needReplace {
		return
	}

	fresh, err := p.spawner(context.Background())
	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("replacement spawn failed", "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		fresh.Kill()
		return
	}
	p.adoptLocked(fresh)
	p.mu.Unlock()
}

// evictLocked removes a runner from every set. Must run with the lock
// held.
func (p *Pool) evictLocked(id string) {
	delete(p.members, id)
	delete(p.busy, id)
	for i, a := range p.available {
		if a.ID() == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
}

// removeWaiterLocked drops a waiter from the queue. Must run with the
// lock held.
func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// scaleLoop samples utilization and resizes the fleet.
func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sampleAndScale()
		}
	}
}

// sampleAndScale pushes one utilization sample and acts on the moving
// average once the window is full.
func (p *Pool) sampleAndScale() {
	p.mu.Lock()
	total := len(p.members)
	if total == 0 {
		p.mu.Unlock()
		return
	}
	queued := len(p.waiters)
	demand := float64(len(p.busy)+min(queued, total)) / float64(total)
	p.util.Push(demand)

	if !p.util.IsFull() || time.Since(p.lastScale) < p.cfg.ScaleCooldown {
		p.mu.Unlock()
		return
	}

	avg := 0.0
	for _, v := range p.util.Slice() {
		avg += v
	}
	avg /= float64(p.util.Len())

	var grow, shrink int
	switch {
	case avg > p.cfg.ScaleUpThreshold && total < p.cfg.MaxSize:
		grow = min(max(1, total/5), p.cfg.MaxSize-total)
	case avg < p.cfg.ScaleDownThreshold && total > p.cfg.MinSize:
		shrink = min(max(1, total/10), total-p.cfg.MinSize)
	}
	if grow == 0 && shrink == 0 {
		p.mu.Unlock()
		return
	}

	p.lastScale = time.Now()
	p.util.Clear()

	var victims []*runner.Runner
	if shrink > 0 {
		// Only idle runners are eligible.
		shrink = min(shrink, len(p.available))
		for i := 0; i < shrink; i++ {
			r := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			delete(p.members, r.ID())
			victims = append(victims, r)
		}
	}
	if grow > 0 {
		p.spawning += grow
	}
	size := len(p.members)
	p.mu.Unlock()

	for _, r := range victims {
		r.Drain()
		r.Kill()
	}
	for i := 0; i < grow; i++ {
		go func() {
			fresh, err := p.spawner(context.Background())
			p.mu.Lock()
			p.spawning--
			if err != nil {
				p.mu.Unlock()
				p.logger.Error("scale-up spawn failed", "error", err)
				return
			}
			if p.closed {
				p.mu.Unlock()
				fresh.Kill()
				return
			}
			p.adoptLocked(fresh)
			p.mu.Unlock()
		}()
	}

	if grow > 0 || len(victims) > 0 {
		direction := "up"
		if len(victims) > 0 {
			direction = "down"
		}
		p.logger.Info("pool scaled",
			"direction", direction,
			"avg_utilization", avg,
			"size", size,
			"grow", grow,
			"shrink", len(victims),
		)
		p.publish(telemetry.Event{
			Kind:   telemetry.KindPoolScaled,
			Fields: map[string]string{"direction": direction},
			Count:  int64(size),
		})
		if p.metrics != nil {
			p.metrics.PoolScaleEventsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("direction", direction)))
		}
	}
}

func (p *Pool) countCheckout(outcome string) {
	if p.metrics != nil {
		p.metrics.PoolCheckoutsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (p *Pool) publish(ev telemetry.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

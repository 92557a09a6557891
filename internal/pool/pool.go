// Package pool manages a fixed set of long-lived browser drivers with
// FIFO queueing, age and use-count recycling, and periodic health checks.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stealth-fetcher/internal/browser"
	"github.com/JakeFAU/stealth-fetcher/internal/id/uuid"
	"github.com/JakeFAU/stealth-fetcher/internal/metrics"
)

var (
	// ErrQueueFull is returned when the wait queue is at capacity.
	ErrQueueFull = errors.New("pool: queue full")
	// ErrQueueTimeout is returned when a queued caller waited longer than the queue timeout.
	ErrQueueTimeout = errors.New("pool: queue timeout")
	// ErrPoolClosed is returned by every operation after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrNotInitialized is returned when Acquire is called before Initialize.
	ErrNotInitialized = errors.New("pool: not initialized")
	// ErrNotInUse is returned when releasing an instance the caller does not hold.
	ErrNotInUse = errors.New("pool: instance not in use")
)

// Factory launches a new driver.
type Factory func(ctx context.Context) (browser.Driver, error)

// IDGenerator creates instance ids.
type IDGenerator interface {
	NewID() (string, error)
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

type acquireResult struct {
	instance *Instance
	err      error
}

// pendingRequest is a caller parked in the FIFO queue. settled flips exactly
// once under the pool mutex, and result is buffered so the settler never blocks.
type pendingRequest struct {
	elem     *list.Element
	enqueued time.Time
	result   chan acquireResult
	settled  bool
}

// Pool hands out exclusive access to browser drivers.
type Pool struct {
	cfg     Config
	factory Factory
	ids     IDGenerator
	logger  *zap.Logger
	now     func() time.Time
	initMu  sync.Mutex

	mu            sync.Mutex
	state         state
	slots         []*Instance
	available     []*Instance
	inUse         map[string]*Instance
	recycling     map[string]*Instance
	unhealthy     map[string]*Instance
	queue         *list.List
	totalRequests int64
	totalDuration time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIDGenerator overrides instance id generation.
func WithIDGenerator(ids IDGenerator) Option {
	return func(p *Pool) {
		if ids != nil {
			p.ids = ids
		}
	}
}

// WithClock overrides the time source used for age and lastUsed bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds an uninitialized pool.
func New(cfg Config, factory Factory, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		ids:       uuid.New(),
		logger:    zap.NewNop(),
		now:       time.Now,
		inUse:     make(map[string]*Instance),
		recycling: make(map[string]*Instance),
		unhealthy: make(map[string]*Instance),
		queue:     list.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize launches every driver concurrently and starts the background
// recycle and health loops. Calling it again while running is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	p.mu.Lock()
	current := p.state
	p.mu.Unlock()
	switch current {
	case stateClosed:
		return ErrPoolClosed
	case stateRunning:
		return nil
	}

	instances := make([]*Instance, p.cfg.Size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range instances {
		g.Go(func() error {
			inst, err := p.spawn(gctx, i)
			if err != nil {
				return fmt.Errorf("create instance %d: %w", i, err)
			}
			instances[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.closeAll(instances)
		return err
	}

	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		p.closeAll(instances)
		return ErrPoolClosed
	}
	p.slots = instances
	p.available = append([]*Instance(nil), instances...)
	p.state = stateRunning
	p.wg.Add(2)
	p.mu.Unlock()

	go p.loop(p.cfg.RecycleCheckInterval, p.recycleSweep)
	go p.loop(p.cfg.HealthCheckInterval, p.healthSweep)

	p.logger.Info("pool initialized", zap.Int("size", p.cfg.Size))
	p.publish(p.GetStats())
	return nil
}

// Acquire returns an idle instance, waiting in FIFO order when none is free.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pool acquire: %w", err)
	}

	p.mu.Lock()
	switch p.state {
	case stateClosed:
		p.mu.Unlock()
		return nil, ErrPoolClosed
	case stateNew:
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if inst := p.takeIdleLocked(); inst != nil {
		p.mu.Unlock()
		metrics.ObservePoolAcquire("immediate", time.Since(start))
		return inst, nil
	}
	if p.queue.Len() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		metrics.ObservePoolAcquire("queue_full", time.Since(start))
		return nil, ErrQueueFull
	}
	req := &pendingRequest{enqueued: p.now(), result: make(chan acquireResult, 1)}
	req.elem = p.queue.PushBack(req)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		if res.err != nil {
			metrics.ObservePoolAcquire("closed", time.Since(start))
			return nil, res.err
		}
		metrics.ObservePoolAcquire("queued", time.Since(start))
		return res.instance, nil
	case <-timer.C:
		metrics.ObservePoolAcquire("timeout", time.Since(start))
		return nil, p.abandon(req, ErrQueueTimeout)
	case <-ctx.Done():
		metrics.ObservePoolAcquire("cancelled", time.Since(start))
		return nil, p.abandon(req, fmt.Errorf("pool acquire: %w", ctx.Err()))
	}
}

// abandon removes a waiter that gave up. If it was served in the meantime the
// instance goes straight back to the pool without counting as a served page.
func (p *Pool) abandon(req *pendingRequest, cause error) error {
	p.mu.Lock()
	if !req.settled {
		req.settled = true
		p.queue.Remove(req.elem)
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()

	res := <-req.result
	if res.err != nil {
		return res.err
	}
	p.giveBack(res.instance)
	return cause
}

// Release returns a held instance. Instances past their page or age budget
// are recycled asynchronously instead of going back to the idle set.
func (p *Pool) Release(inst *Instance) error {
	if inst == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse[inst.id] != inst {
		if p.state == stateClosed {
			return nil
		}
		return ErrNotInUse
	}
	delete(p.inUse, inst.id)
	inst.pagesServed++
	inst.lastUsed = p.now()

	if reason := p.recycleReasonLocked(inst); reason != "" {
		p.startRecycleLocked(inst, reason)
		return nil
	}
	p.handOffLocked(inst)
	return nil
}

// WithDriver runs fn with an exclusively held instance and always releases it.
func (p *Pool) WithDriver(ctx context.Context, fn func(ctx context.Context, inst *Instance) error) error {
	inst, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		p.mu.Lock()
		p.totalRequests++
		p.totalDuration += elapsed
		p.mu.Unlock()
		if relErr := p.Release(inst); relErr != nil {
			p.logger.Warn("release instance failed", zap.String("instance_id", inst.id), zap.Error(relErr))
		}
	}()
	return fn(ctx, inst)
}

// Shutdown stops the background loops, fails every queued caller with
// ErrPoolClosed and closes all drivers. Close failures are logged, not returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = stateClosed
	for e := p.queue.Front(); e != nil; e = e.Next() {
		req, ok := e.Value.(*pendingRequest)
		if !ok || req.settled {
			continue
		}
		req.settled = true
		req.result <- acquireResult{err: ErrPoolClosed}
	}
	p.queue.Init()
	toClose := append([]*Instance(nil), p.available...)
	for _, inst := range p.inUse {
		toClose = append(toClose, inst)
	}
	p.available = nil
	p.inUse = make(map[string]*Instance)
	p.unhealthy = make(map[string]*Instance)
	p.mu.Unlock()

	p.cancel()
	p.closeAll(toClose)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}

	p.mu.Lock()
	p.slots = nil
	p.recycling = make(map[string]*Instance)
	p.mu.Unlock()
	p.logger.Info("pool shut down")
	return nil
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Total              int           `json:"total"`
	Available          int           `json:"available"`
	Busy               int           `json:"busy"`
	Recycling          int           `json:"recycling"`
	Unhealthy          int           `json:"unhealthy"`
	QueueLength        int           `json:"queue_length"`
	TotalRequests      int64         `json:"total_requests"`
	AvgRequestDuration time.Duration `json:"avg_request_duration"`
}

// GetStats returns the current pool occupancy.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{
		Total:         len(p.slots),
		Available:     len(p.available),
		Busy:          len(p.inUse),
		Recycling:     len(p.recycling),
		Unhealthy:     len(p.unhealthy),
		QueueLength:   p.queue.Len(),
		TotalRequests: p.totalRequests,
	}
	if p.totalRequests > 0 {
		s.AvgRequestDuration = p.totalDuration / time.Duration(p.totalRequests)
	}
	return s
}

// Instances describes every slot in order.
func (p *Pool) Instances() []InstanceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InstanceInfo, 0, len(p.slots))
	for _, inst := range p.slots {
		if inst != nil {
			out = append(out, inst.info())
		}
	}
	return out
}

// Health is the result of HealthCheck.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
	Stats   Stats    `json:"stats"`
}

// HealthCheck reports unhealthy instances, a queue above 80% of capacity and
// saturation (nothing idle while callers wait).
func (p *Pool) HealthCheck() Health {
	p.mu.Lock()
	stats := p.statsLocked()
	current := p.state
	p.mu.Unlock()

	var issues []string
	if current != stateRunning {
		issues = append(issues, "pool is not running")
	}
	if stats.Unhealthy > 0 {
		issues = append(issues, fmt.Sprintf("%d unhealthy instance(s)", stats.Unhealthy))
	}
	if stats.QueueLength*10 > p.cfg.MaxQueueSize*8 {
		issues = append(issues, fmt.Sprintf("queue at %d of %d", stats.QueueLength, p.cfg.MaxQueueSize))
	}
	if stats.Available == 0 && stats.QueueLength > 0 {
		issues = append(issues, "pool saturated")
	}
	return Health{Healthy: len(issues) == 0, Issues: issues, Stats: stats}
}

func (p *Pool) takeIdleLocked() *Instance {
	if len(p.available) == 0 {
		return nil
	}
	inst := p.available[0]
	p.available[0] = nil
	p.available = p.available[1:]
	p.markBusyLocked(inst)
	return inst
}

func (p *Pool) markBusyLocked(inst *Instance) {
	inst.status = StatusBusy
	inst.lastUsed = p.now()
	p.inUse[inst.id] = inst
}

// handOffLocked serves the oldest waiter with inst, or parks inst as idle.
func (p *Pool) handOffLocked(inst *Instance) {
	for e := p.queue.Front(); e != nil; e = p.queue.Front() {
		p.queue.Remove(e)
		req, ok := e.Value.(*pendingRequest)
		if !ok || req.settled {
			continue
		}
		req.settled = true
		p.markBusyLocked(inst)
		req.result <- acquireResult{instance: inst}
		return
	}
	inst.status = StatusIdle
	p.available = append(p.available, inst)
}

func (p *Pool) giveBack(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[inst.id] != inst {
		return
	}
	delete(p.inUse, inst.id)
	p.handOffLocked(inst)
}

func (p *Pool) recycleReasonLocked(inst *Instance) string {
	switch {
	case inst.pagesServed >= p.cfg.MaxPages:
		return "pages"
	case p.now().Sub(inst.createdAt) >= p.cfg.MaxAge:
		return "age"
	default:
		return ""
	}
}

func (p *Pool) startRecycleLocked(inst *Instance, reason string) {
	inst.status = StatusRecycling
	p.recycling[inst.id] = inst
	p.wg.Add(1)
	go p.recycle(inst, reason)
}

// recycle swaps old for a fresh driver in the same slot. A failed launch
// leaves the slot unhealthy until the next health sweep retries it.
func (p *Pool) recycle(old *Instance, reason string) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("instance_id", old.id), zap.String("reason", reason))

	if !old.closed {
		p.closeDriver(old)
	}
	fresh, err := p.spawn(p.ctx, old.slot)

	p.mu.Lock()
	delete(p.recycling, old.id)
	if p.state == stateClosed {
		p.mu.Unlock()
		if fresh != nil {
			p.closeDriver(fresh)
		}
		return
	}
	if err != nil {
		old.status = StatusUnhealthy
		p.unhealthy[old.id] = old
		p.mu.Unlock()
		metrics.ObservePoolRecycle(reason, false)
		logger.Warn("recycle failed, instance unhealthy", zap.Error(err))
		return
	}
	p.slots[old.slot] = fresh
	p.handOffLocked(fresh)
	p.mu.Unlock()

	metrics.ObservePoolRecycle(reason, true)
	logger.Info("instance recycled", zap.String("replacement_id", fresh.id), zap.Int("pages_served", old.pagesServed))
}

func (p *Pool) spawn(ctx context.Context, slot int) (*Instance, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	driver, err := p.factory(createCtx)
	if err != nil {
		return nil, fmt.Errorf("launch driver: %w", err)
	}
	now := p.now()
	return &Instance{
		id:        id,
		slot:      slot,
		driver:    driver,
		createdAt: now,
		lastUsed:  now,
		status:    StatusIdle,
	}, nil
}

func (p *Pool) closeDriver(inst *Instance) {
	inst.closed = true
	if err := inst.driver.Close(); err != nil {
		p.logger.Warn("close driver failed", zap.String("instance_id", inst.id), zap.Error(err))
	}
}

func (p *Pool) closeAll(instances []*Instance) {
	var g errgroup.Group
	g.SetLimit(4)
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		g.Go(func() error {
			p.closeDriver(inst)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) loop(interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// recycleSweep recycles idle instances that aged out while unused.
func (p *Pool) recycleSweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	kept := p.available[:0]
	for _, inst := range p.available {
		if reason := p.recycleReasonLocked(inst); reason != "" {
			p.startRecycleLocked(inst, reason)
			continue
		}
		kept = append(kept, inst)
	}
	clear(p.available[len(kept):])
	p.available = kept
}

// healthSweep replaces idle instances whose driver died and retries
// unhealthy slots, then publishes the pool gauges.
func (p *Pool) healthSweep() {
	p.mu.Lock()
	if p.state != stateRunning {
		p.mu.Unlock()
		return
	}
	kept := p.available[:0]
	for _, inst := range p.available {
		if inst.driver.Alive() {
			kept = append(kept, inst)
			continue
		}
		p.startRecycleLocked(inst, "dead")
	}
	clear(p.available[len(kept):])
	p.available = kept
	for id, inst := range p.unhealthy {
		delete(p.unhealthy, id)
		p.startRecycleLocked(inst, "retry")
	}
	p.mu.Unlock()

	health := p.HealthCheck()
	if !health.Healthy {
		p.logger.Warn("pool health degraded", zap.Strings("issues", health.Issues))
	}
	p.publish(health.Stats)
}

func (p *Pool) publish(s Stats) {
	metrics.SetPoolStats(metrics.PoolSnapshot{
		Available:   s.Available,
		Busy:        s.Busy,
		Recycling:   s.Recycling,
		Unhealthy:   s.Unhealthy,
		QueueLength: s.QueueLength,
	})
}

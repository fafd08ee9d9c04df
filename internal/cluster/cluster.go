// Package cluster implements a job cluster over pooled browser workers: a
// delay-aware queue, a serialized dispatcher with admission filters
// (duplicate-URL suppression, per-domain cooldown), a lazily grown worker
// pool, per-job timeouts and transparent retries.
package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pagecluster/internal/eventbus"
	"pagecluster/internal/provider"
	"pagecluster/internal/provider/chrome"
	"pagecluster/internal/queue"
)

// Cluster schedules jobs onto browser workers. Construct with Launch; all
// methods are safe for concurrent use.
type Cluster[T any] struct {
	cfg  Config[T]
	log  zerolog.Logger
	bus  eventbus.Bus
	prov provider.Provider
	pool *pool[T]

	// runCtx outlives the Launch context; provider calls and running jobs
	// use it. Cancelled at the very end of Close.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	q            *queue.DelayQueue[*Job[T]]
	defaultTask  TaskFunc[T]
	seenURLs     map[string]struct{}
	domainLimits map[string]*rate.Limiter
	allTargets   int
	done         int
	errCount     int
	skipped      int
	inFlight     int
	idleWaiters  []chan struct{}
	oneWaiters   []chan T
	closed       bool

	notify    chan struct{}
	stop      chan struct{}
	loopWG    sync.WaitGroup // dispatch loop + monitor
	jobsWG    sync.WaitGroup // in-flight jobs
	closeOnce sync.Once
}

// Launch validates cfg, brings up the provider and starts the dispatcher.
// ctx bounds initialization only; the cluster's own lifetime ends at Close.
func Launch[T any](ctx context.Context, cfg Config[T]) (*Cluster[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}

	prov := cfg.Provider
	if prov == nil {
		switch cfg.Concurrency {
		case ConcurrencyPage:
			prov = chrome.NewPageProvider(cfg.Chrome)
		case ConcurrencyContext:
			prov = chrome.NewContextProvider(cfg.Chrome)
		case ConcurrencyBrowser:
			prov = chrome.NewBrowserProvider(cfg.Chrome)
		case ConcurrencyGroup:
			prov = chrome.NewGroupProvider(cfg.Chrome, cfg.WorkerShutdownTimeout)
		}
	}
	if err := prov.Init(ctx); err != nil {
		return nil, fmt.Errorf("provider init: %w", err)
	}

	lg := zerolog.Nop()
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Cluster[T]{
		cfg:          cfg,
		log:          lg.With().Str("component", "cluster").Logger(),
		bus:          cfg.Bus,
		prov:         prov,
		runCtx:       runCtx,
		runCancel:    runCancel,
		q:            queue.New[*Job[T]](),
		seenURLs:     map[string]struct{}{},
		domainLimits: map[string]*rate.Limiter{},
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	c.pool = newPool[T](prov, cfg.MaxConcurrency, cfg.WorkerCreationDelay, c.log)

	c.loopWG.Add(1)
	go c.dispatchLoop()
	if cfg.Monitor {
		c.loopWG.Add(1)
		go c.monitorLoop()
	}
	c.log.Info().Int("max_concurrency", cfg.MaxConcurrency).Msg("cluster launched")
	return c, nil
}

// Bus returns the event bus the cluster publishes on.
func (c *Cluster[T]) Bus() eventbus.Bus { return c.bus }

// Task sets the cluster-default task function. Jobs without a per-job task
// use whichever default is set at the time they are dispatched.
func (c *Cluster[T]) Task(fn TaskFunc[T]) {
	c.mu.Lock()
	c.defaultTask = fn
	c.mu.Unlock()
}

// Queue enqueues a fire-and-forget job running the cluster-default task.
// Errors surface only as bus events: taskerror on every failed attempt, and
// job.failed once retries are exhausted.
func (c *Cluster[T]) Queue(data T) error {
	return c.enqueue(data, nil, nil)
}

// QueueTask enqueues a fire-and-forget job with a per-job task override.
// Overrides are for library callers mixing workloads on one cluster; the
// clusterd daemon registers a single default via Task and never uses them.
func (c *Cluster[T]) QueueTask(data T, fn TaskFunc[T]) error {
	return c.enqueue(data, fn, nil)
}

// Execute enqueues data and blocks until the job's single attempt finishes,
// returning the task's value or error. Execute jobs are never retried.
func (c *Cluster[T]) Execute(ctx context.Context, data T) (any, error) {
	return c.execute(ctx, data, nil)
}

// ExecuteTask is Execute with a per-job task override; see QueueTask.
func (c *Cluster[T]) ExecuteTask(ctx context.Context, data T, fn TaskFunc[T]) (any, error) {
	return c.execute(ctx, data, fn)
}

func (c *Cluster[T]) execute(ctx context.Context, data T, fn TaskFunc[T]) (any, error) {
	result := make(chan jobResult, 1)
	if err := c.enqueue(data, fn, result); err != nil {
		return nil, err
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-c.stop:
		return nil, ErrClusterClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cluster[T]) enqueue(data T, fn TaskFunc[T], result chan jobResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClusterClosed
	}
	j := c.newJob(data, fn, result)
	c.allTargets++
	c.q.Push(j)
	c.mu.Unlock()

	c.bus.Publish(eventbus.Event{Topic: TopicQueued, Data: JobEvent{ID: j.id, URL: j.url, Data: data}})
	c.requestDispatch()
	return nil
}

// Idle blocks until the queue is empty and no worker is busy. It returns
// immediately on an already-idle cluster.
func (c *Cluster[T]) Idle(ctx context.Context) error {
	c.mu.Lock()
	// A closed cluster admits nothing, so it counts as idle.
	if c.closed || c.isIdleLocked() {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.idleWaiters = append(c.idleWaiters, ch)
	c.mu.Unlock()

	c.requestDispatch()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForOne blocks until the next job completes (success or error) and
// returns that job's payload.
func (c *Cluster[T]) WaitForOne(ctx context.Context) (T, error) {
	ch := make(chan T, 1)
	c.mu.Lock()
	c.oneWaiters = append(c.oneWaiters, ch)
	c.mu.Unlock()

	var zero T
	select {
	case data := <-ch:
		return data, nil
	case <-c.stop:
		return zero, ErrClusterClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cluster[T]) isIdleLocked() bool {
	return c.q.Size() == 0 && c.inFlight == 0
}

// Close stops admission and the dispatcher, waits for active jobs, then
// tears down workers and the provider. It is idempotent; pending Idle
// waiters are resolved.
func (c *Cluster[T]) Close(ctx context.Context) error {
	already := true
	c.closeOnce.Do(func() {
		already = false

		c.mu.Lock()
		c.closed = true
		for _, ch := range c.idleWaiters {
			close(ch)
		}
		c.idleWaiters = nil
		c.mu.Unlock()

		close(c.stop)
	})
	if already {
		return nil
	}

	c.loopWG.Wait()

	drained := make(chan struct{})
	go func() {
		c.jobsWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.pool.close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("pool close reported errors")
	}
	err := c.prov.Close(ctx)
	c.runCancel()
	c.log.Info().Msg("cluster closed")
	return err
}

// Snapshot is a point-in-time view of the cluster for diagnostics.
type Snapshot struct {
	AllTargets int
	Queued     int
	InFlight   int
	Done       int
	Errors     int
	Skipped    int
	Workers    int
	Starting   int
	Busy       int
	Closed     bool
}

// Snapshot returns current counters. AllTargets always equals
// Queued + InFlight + Done + Errors + Skipped.
func (c *Cluster[T]) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		AllTargets: c.allTargets,
		Queued:     c.q.Size(),
		InFlight:   c.inFlight,
		Done:       c.done,
		Errors:     c.errCount,
		Skipped:    c.skipped,
		Closed:     c.closed,
	}
	c.mu.Unlock()
	s.Workers, s.Starting = c.pool.counts()
	s.Busy = c.pool.busyCount()
	return s
}

package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagecluster/internal/provider"
)

// pool maintains the bounded worker population. Spawning is lazy: the
// dispatcher launches a worker only when a job has no handler and the cap
// and spawn-spacing rules allow one.
type pool[T any] struct {
	prov          provider.Provider
	max           int
	creationDelay time.Duration
	log           zerolog.Logger

	mu        sync.Mutex
	workers   []*worker[T] // id-ascending; spawn order
	starting  int
	lastSpawn time.Time
	nextID    int
}

func newPool[T any](prov provider.Provider, max int, creationDelay time.Duration, log zerolog.Logger) *pool[T] {
	return &pool[T]{prov: prov, max: max, creationDelay: creationDelay, log: log}
}

// getWorker returns the first live worker able to handle j, oldest first.
func (p *pool[T]) getWorker(j *Job[T]) *worker[T] {
	p.mu.Lock()
	workers := append([]*worker[T](nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		if w.canHandle(j) {
			return w
		}
	}
	return nil
}

func (p *pool[T]) canHandle(j *Job[T]) bool {
	return p.getWorker(j) != nil
}

// hasFreeCapacity reports whether j (or, with a nil job, any job) could be
// taken on right now — by an existing worker or by spawning a new one.
func (p *pool[T]) hasFreeCapacity(j *Job[T]) bool {
	probe := j
	if probe == nil {
		probe = &Job[T]{}
	}
	if p.canHandle(probe) {
		return true
	}
	return p.canLaunch(j)
}

// canLaunch checks the population cap, the spawn spacing throttle, and the
// group constraint: a group that already owns a worker never gets a second
// one, its jobs route to the owner instead.
func (p *pool[T]) canLaunch(j *Job[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers)+p.starting >= p.max {
		return false
	}
	if p.creationDelay > 0 && !p.lastSpawn.IsZero() && time.Since(p.lastSpawn) < p.creationDelay {
		return false
	}
	if j != nil && j.group != "" {
		for _, w := range p.workers {
			if w.group == j.group {
				return false
			}
		}
	}
	return true
}

// launch spawns one worker for j. The starting slot is reserved before the
// provider call so the cap holds across the blocking construction.
func (p *pool[T]) launch(ctx context.Context, j *Job[T]) error {
	var group string
	if j != nil {
		group = j.group
	}

	p.mu.Lock()
	p.starting++
	p.lastSpawn = time.Now()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	wi, err := p.prov.WorkerInstance(ctx, group)

	p.mu.Lock()
	p.starting--
	if err != nil {
		p.mu.Unlock()
		return err
	}
	w := &worker[T]{
		id:       id,
		group:    group,
		instance: wi,
		log:      p.log.With().Int("worker", id).Logger(),
	}
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	w.log.Debug().Str("group", group).Msg("worker launched")
	return nil
}

func (p *pool[T]) busyCount() int {
	p.mu.Lock()
	workers := append([]*worker[T](nil), p.workers...)
	p.mu.Unlock()
	n := 0
	for _, w := range workers {
		if w.activeCount() > 0 {
			n++
		}
	}
	return n
}

func (p *pool[T]) counts() (live, starting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers), p.starting
}

// close tears down every worker. The cluster drains active jobs first, so
// workers are idle by the time this runs.
func (p *pool[T]) close(ctx context.Context) error {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.close(ctx); err != nil {
			w.log.Warn().Err(err).Msg("worker close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

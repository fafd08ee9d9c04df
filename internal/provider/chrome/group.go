package chrome

import (
	"context"
	"sync"
	"time"

	"pagecluster/internal/provider"
)

// GroupProvider backs ConcurrencyGroup: one browser per group key, shared
// by all jobs of that group. A janitor evicts browsers whose group has been
// idle longer than the shutdown timeout.
type GroupProvider struct {
	opts Options
	ttl  time.Duration

	mu     sync.Mutex
	groups map[string]*groupBrowser

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type groupBrowser struct {
	handle    *browserHandle
	refs      int
	idleSince time.Time
}

func NewGroupProvider(o Options, shutdownTimeout time.Duration) *GroupProvider {
	return &GroupProvider{
		opts:   o,
		ttl:    shutdownTimeout,
		groups: map[string]*groupBrowser{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *GroupProvider) Init(ctx context.Context) error {
	go p.janitor()
	return nil
}

func (p *GroupProvider) WorkerInstance(ctx context.Context, group string) (provider.WorkerInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gb := p.groups[group]
	if gb == nil {
		h, err := launchBrowser(p.opts)
		if err != nil {
			return nil, err
		}
		gb = &groupBrowser{handle: h}
		p.groups[group] = gb
	}
	gb.refs++
	return &groupWorker{p: p, group: group}, nil
}

func (p *GroupProvider) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for g, gb := range p.groups {
		if gb.handle != nil {
			gb.handle.close()
		}
		delete(p.groups, g)
	}
	return nil
}

// janitor drops browsers whose group has had no worker for longer than the
// shutdown timeout.
func (p *GroupProvider) janitor() {
	defer close(p.done)
	interval := p.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		for g, gb := range p.groups {
			if gb.refs == 0 && time.Since(gb.idleSince) >= p.ttl {
				if gb.handle != nil {
					gb.handle.close()
				}
				delete(p.groups, g)
			}
		}
		p.mu.Unlock()
	}
}

func (p *GroupProvider) acquire(group string) (*browserHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gb := p.groups[group]
	if gb == nil || gb.handle == nil {
		return nil, errBrowserGone
	}
	return gb.handle, nil
}

func (p *GroupProvider) repairGroup(group string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	gb := p.groups[group]
	if gb == nil {
		gb = &groupBrowser{}
		p.groups[group] = gb
	}
	if gb.handle != nil {
		gb.handle.close()
		gb.handle = nil
	}
	h, err := launchBrowser(p.opts)
	if err != nil {
		return err
	}
	gb.handle = h
	return nil
}

func (p *GroupProvider) release(group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gb := p.groups[group]
	if gb == nil {
		return
	}
	gb.refs--
	if gb.refs <= 0 {
		gb.refs = 0
		gb.idleSince = time.Now()
	}
}

// groupWorker is bound to one group for its whole life; routing accepts
// only jobs of that group.
type groupWorker struct {
	p     *GroupProvider
	group string
}

func (w *groupWorker) CanHandle(group string) bool { return group == w.group }

func (w *groupWorker) JobInstance(ctx context.Context, data any) (provider.JobInstance, error) {
	h, err := w.p.acquire(w.group)
	if err != nil {
		return nil, err
	}
	p, err := h.newTab()
	if err != nil {
		return nil, err
	}
	return &jobInstance{page: p}, nil
}

func (w *groupWorker) Repair(ctx context.Context) error {
	return w.p.repairGroup(w.group)
}

func (w *groupWorker) Close(ctx context.Context) error {
	w.p.release(w.group)
	return nil
}

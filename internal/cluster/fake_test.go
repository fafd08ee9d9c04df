package cluster

import (
	"context"
	"sync"
	"time"

	"pagecluster/internal/provider"
)

// fakePage is a provider.Page whose error channel tests can feed directly.
type fakePage struct {
	ctx  context.Context
	errs chan error
}

func newFakePage() *fakePage {
	return &fakePage{ctx: context.Background(), errs: make(chan error, 1)}
}

func (p *fakePage) Context() context.Context { return p.ctx }
func (p *fakePage) Errors() <-chan error     { return p.errs }

type fakeJobInstance struct {
	page     *fakePage
	closeErr error
}

func (j *fakeJobInstance) Page() provider.Page { return j.page }

func (j *fakeJobInstance) Close(ctx context.Context) error { return j.closeErr }

// fakeWorkerInstance counts lifecycle calls and can fail a configurable
// number of acquires before succeeding.
type fakeWorkerInstance struct {
	mu              sync.Mutex
	acquireFailures int
	acquireErr      error
	jobCloseErr     error
	lastPage        *fakePage

	acquires int
	repairs  int
	closed   bool
}

func (w *fakeWorkerInstance) JobInstance(ctx context.Context, data any) (provider.JobInstance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquires++
	if w.acquireFailures > 0 {
		w.acquireFailures--
		return nil, w.acquireErr
	}
	w.lastPage = newFakePage()
	return &fakeJobInstance{page: w.lastPage, closeErr: w.jobCloseErr}, nil
}

func (w *fakeWorkerInstance) Repair(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.repairs++
	return nil
}

func (w *fakeWorkerInstance) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWorkerInstance) counts() (acquires, repairs int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquires, w.repairs
}

// routedWorkerInstance adds a Router capability on top of the fake.
type routedWorkerInstance struct {
	fakeWorkerInstance
	canHandle func(group string) bool
}

func (w *routedWorkerInstance) CanHandle(group string) bool { return w.canHandle(group) }

// fakeProvider hands out fakeWorkerInstances and records spawn times.
type fakeProvider struct {
	mu         sync.Mutex
	makeWorker func(group string) provider.WorkerInstance

	initCalls  int
	closeCalls int
	instances  []*fakeWorkerInstance
	spawnTimes []time.Time
	groups     []string
}

func (p *fakeProvider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initCalls++
	return nil
}

func (p *fakeProvider) WorkerInstance(ctx context.Context, group string) (provider.WorkerInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnTimes = append(p.spawnTimes, time.Now())
	p.groups = append(p.groups, group)
	if p.makeWorker != nil {
		return p.makeWorker(group), nil
	}
	wi := &fakeWorkerInstance{}
	p.instances = append(p.instances, wi)
	return wi, nil
}

func (p *fakeProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

func (p *fakeProvider) spawnGaps() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(p.spawnTimes); i++ {
		gaps = append(gaps, p.spawnTimes[i].Sub(p.spawnTimes[i-1]))
	}
	return gaps
}

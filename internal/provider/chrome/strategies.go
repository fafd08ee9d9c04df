package chrome

import (
	"context"
	"errors"
	"sync/atomic"

	"pagecluster/internal/provider"
)

var errBrowserGone = errors.New("browser is not running")

// ---- Page strategy: one shared browser, a tab per job, multiplexing ----

// PageProvider backs ConcurrencyPage. All workers share one browser; every
// job opens a fresh tab, and workers accept jobs regardless of load.
type PageProvider struct {
	b *sharedBrowser
}

func NewPageProvider(o Options) *PageProvider {
	return &PageProvider{b: newSharedBrowser(o)}
}

func (p *PageProvider) Init(ctx context.Context) error { return p.b.start() }

func (p *PageProvider) WorkerInstance(ctx context.Context, group string) (provider.WorkerInstance, error) {
	return &pageWorker{sharedWorker{b: p.b}}, nil
}

func (p *PageProvider) Close(ctx context.Context) error {
	p.b.close()
	return nil
}

// ---- Context strategy: one shared browser, incognito context per job ----

// ContextProvider backs ConcurrencyContext. Jobs share one browser but run
// in isolated incognito contexts; workers are exclusive.
type ContextProvider struct {
	b *sharedBrowser
}

func NewContextProvider(o Options) *ContextProvider {
	return &ContextProvider{b: newSharedBrowser(o)}
}

func (p *ContextProvider) Init(ctx context.Context) error { return p.b.start() }

func (p *ContextProvider) WorkerInstance(ctx context.Context, group string) (provider.WorkerInstance, error) {
	return &sharedWorker{b: p.b, incognito: true}, nil
}

func (p *ContextProvider) Close(ctx context.Context) error {
	p.b.close()
	return nil
}

// sharedWorker is an exclusive worker slot over a shared browser. It
// remembers the browser generation of its last acquire so Repair after a
// crash relaunches at most once per generation.
type sharedWorker struct {
	b         *sharedBrowser
	incognito bool
	gen       atomic.Uint64
}

// pageWorker is a sharedWorker that additionally multiplexes: its Router
// capability accepts every job, so one worker may run many tabs at once.
type pageWorker struct {
	sharedWorker
}

func (w *pageWorker) CanHandle(group string) bool { return true }

func (w *sharedWorker) JobInstance(ctx context.Context, data any) (provider.JobInstance, error) {
	h, gen := w.b.current()
	w.gen.Store(gen)
	if h == nil {
		return nil, errBrowserGone
	}
	if w.incognito {
		p, dispose, err := h.newIncognitoTab()
		if err != nil {
			return nil, err
		}
		return &jobInstance{page: p, dispose: dispose}, nil
	}
	p, err := h.newTab()
	if err != nil {
		return nil, err
	}
	return &jobInstance{page: p}, nil
}

func (w *sharedWorker) Repair(ctx context.Context) error {
	return w.b.repairFrom(w.gen.Load())
}

// Close is a no-op: the browser is shared and owned by the provider.
func (w *sharedWorker) Close(ctx context.Context) error { return nil }

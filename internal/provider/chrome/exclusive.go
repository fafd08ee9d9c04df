package chrome

import (
	"context"
	"sync"

	"pagecluster/internal/provider"
)

// BrowserProvider backs ConcurrencyBrowser: every worker owns its own
// Chrome process and is exclusive.
type BrowserProvider struct {
	opts Options
}

func NewBrowserProvider(o Options) *BrowserProvider {
	return &BrowserProvider{opts: o}
}

// Init is a no-op: browsers launch per worker.
func (p *BrowserProvider) Init(ctx context.Context) error { return nil }

func (p *BrowserProvider) WorkerInstance(ctx context.Context, group string) (provider.WorkerInstance, error) {
	h, err := launchBrowser(p.opts)
	if err != nil {
		return nil, err
	}
	return &ownedWorker{opts: p.opts, handle: h}, nil
}

func (p *BrowserProvider) Close(ctx context.Context) error { return nil }

// ownedWorker owns one browser process for its whole life.
type ownedWorker struct {
	opts Options

	mu     sync.Mutex
	handle *browserHandle
}

func (w *ownedWorker) JobInstance(ctx context.Context, data any) (provider.JobInstance, error) {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()
	if h == nil {
		return nil, errBrowserGone
	}
	p, err := h.newTab()
	if err != nil {
		return nil, err
	}
	return &jobInstance{page: p}, nil
}

// Repair replaces the worker's browser process.
func (w *ownedWorker) Repair(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		w.handle.close()
		w.handle = nil
	}
	h, err := launchBrowser(w.opts)
	if err != nil {
		return err
	}
	w.handle = h
	return nil
}

func (w *ownedWorker) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle != nil {
		w.handle.close()
		w.handle = nil
	}
	return nil
}

// Package chrome implements the provider protocol over headless Chrome via
// chromedp. Four strategies are available, one per cluster concurrency mode:
// a shared browser with a tab per job (Page), a shared browser with an
// incognito context per job (Context), a browser per worker (Browser), and a
// browser per group key with idle eviction (Group).
package chrome

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"pagecluster/internal/provider"
)

// browserHandle is one running Chrome process. Tab and incognito-context
// creation hang off its browser-scoped context.
type browserHandle struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// launchBrowser starts a Chrome process. The handle's lifetime is detached
// from the caller's context; close() tears the process down.
func launchBrowser(o Options) (*browserHandle, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), o.allocatorOptions()...)
	ctx, cancel := chromedp.NewContext(allocCtx)
	// Run with no actions forces the process to start so failures surface
	// here instead of on the first job.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return &browserHandle{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

func (h *browserHandle) close() {
	h.cancel()
	h.allocCancel()
}

// newTab opens a tab in this browser and returns its page.
func (h *browserHandle) newTab() (*tabPage, error) {
	return newTabPage(h.ctx)
}

// newIncognitoTab opens a tab inside a fresh incognito browser context.
// The returned dispose func removes that context after the tab is closed.
func (h *browserHandle) newIncognitoTab() (*tabPage, func(context.Context) error, error) {
	browser := chromedp.FromContext(h.ctx).Browser
	ectx := cdp.WithExecutor(h.ctx, browser)

	bcID, err := target.CreateBrowserContext().Do(ectx)
	if err != nil {
		return nil, nil, fmt.Errorf("create browser context: %w", err)
	}
	tid, err := target.CreateTarget("about:blank").WithBrowserContextID(bcID).Do(ectx)
	if err != nil {
		_ = target.DisposeBrowserContext(bcID).Do(ectx)
		return nil, nil, fmt.Errorf("create target: %w", err)
	}
	p, err := newTabPage(h.ctx, chromedp.WithTargetID(tid))
	if err != nil {
		_ = target.DisposeBrowserContext(bcID).Do(ectx)
		return nil, nil, err
	}
	dispose := func(context.Context) error {
		return target.DisposeBrowserContext(bcID).Do(ectx)
	}
	return p, dispose, nil
}

// sharedBrowser is a browser used by several workers (Page and Context
// strategies). Repair relaunches the process; a generation counter keeps
// concurrent repairs from killing a freshly launched browser.
type sharedBrowser struct {
	opts Options

	mu     sync.Mutex
	handle *browserHandle
	gen    uint64
}

func newSharedBrowser(o Options) *sharedBrowser {
	return &sharedBrowser{opts: o}
}

func (s *sharedBrowser) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil
	}
	h, err := launchBrowser(s.opts)
	if err != nil {
		return err
	}
	s.handle = h
	return nil
}

func (s *sharedBrowser) current() (*browserHandle, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.gen
}

// repairFrom relaunches the browser unless generation gen is already stale
// (someone else repaired since the caller last acquired).
func (s *sharedBrowser) repairFrom(gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	if s.handle != nil {
		s.handle.close()
		s.handle = nil
	}
	h, err := launchBrowser(s.opts)
	if err != nil {
		return err
	}
	s.handle = h
	s.gen++
	return nil
}

func (s *sharedBrowser) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		s.handle.close()
		s.handle = nil
	}
}

// jobInstance is the common per-job handle for all strategies.
type jobInstance struct {
	page    *tabPage
	dispose func(ctx context.Context) error
}

func (j *jobInstance) Page() provider.Page { return j.page }

func (j *jobInstance) Close(ctx context.Context) error {
	j.page.close()
	if j.dispose != nil {
		return j.dispose(ctx)
	}
	return nil
}

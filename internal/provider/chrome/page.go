package chrome

import (
	"context"
	"fmt"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// tabPage is one browser tab. Its context is what task functions hand to
// chromedp.Run; cancelling it closes the tab.
type tabPage struct {
	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error
}

func newTabPage(parent context.Context, opts ...chromedp.ContextOption) (*tabPage, error) {
	ctx, cancel := chromedp.NewContext(parent, opts...)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	p := &tabPage{ctx: ctx, cancel: cancel, errs: make(chan error, 1)}
	// Surface uncaught page exceptions to the worker's error observer.
	// The channel holds one error; later exceptions are dropped.
	chromedp.ListenTarget(ctx, func(ev any) {
		if ex, ok := ev.(*cdpruntime.EventExceptionThrown); ok {
			select {
			case p.errs <- fmt.Errorf("page exception: %s", ex.ExceptionDetails.Text):
			default:
			}
		}
	})
	return p, nil
}

func (p *tabPage) Context() context.Context { return p.ctx }

func (p *tabPage) Errors() <-chan error { return p.errs }

func (p *tabPage) close() { p.cancel() }

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pagecluster/internal/eventbus"
	"pagecluster/internal/provider"
	"pagecluster/internal/provider/chrome"
)

// Concurrency selects one of the built-in browser strategies.
type Concurrency int

const (
	// ConcurrencyPage shares one browser; every job gets a fresh tab and
	// workers multiplex (a worker may run several jobs at once).
	ConcurrencyPage Concurrency = iota + 1

	// ConcurrencyContext shares one browser; every job gets an isolated
	// incognito browser context. Workers are exclusive.
	ConcurrencyContext

	// ConcurrencyBrowser launches one browser per worker. Workers are
	// exclusive.
	ConcurrencyBrowser

	// ConcurrencyGroup launches one browser per group key; jobs of the same
	// group share a worker. Requires Config.GroupBy.
	ConcurrencyGroup
)

const (
	defaultTimeout               = 30 * time.Second
	defaultMaxConcurrency        = 1
	defaultWorkerShutdownTimeout = 5 * time.Second
)

// TaskFunc is the user task. ctx carries the per-job deadline; page is the
// provider's per-job handle. The returned value reaches Execute callers;
// Queue discards it.
type TaskFunc[T any] func(ctx context.Context, page provider.Page, t TaskInfo[T]) (any, error)

// TaskInfo is the per-invocation context handed to a task.
type TaskInfo[T any] struct {
	Data     T
	WorkerID int
}

// URLCarrier is the duck-typed fallback for URL extraction when
// Config.URLOf is not set.
type URLCarrier interface {
	JobURL() string
}

// Config configures a Cluster. The zero value is usable after defaults are
// applied by Launch.
type Config[T any] struct {
	// Concurrency picks a built-in chrome strategy. Ignored when Provider
	// is set. Default ConcurrencyContext.
	Concurrency Concurrency

	// Provider overrides the built-in strategies with a custom backend.
	Provider provider.Provider

	// MaxConcurrency caps live plus starting workers. Default 1.
	MaxConcurrency int

	// WorkerCreationDelay is the minimum spacing between worker spawns.
	WorkerCreationDelay time.Duration

	// Timeout is the per-task deadline. Default 30s.
	Timeout time.Duration

	// RetryLimit is the maximum retry count for queued (non-Execute) jobs.
	RetryLimit int

	// RetryDelay postpones a retry's eligibility.
	RetryDelay time.Duration

	// SkipDuplicateURLs drops jobs whose URL was already dispatched.
	SkipDuplicateURLs bool

	// SameDomainDelay is the minimum spacing between dispatches sharing a
	// domain. 0 disables the filter.
	SameDomainDelay time.Duration

	// WorkerShutdownTimeout is the idle TTL of a group browser
	// (ConcurrencyGroup only). Default 5s.
	WorkerShutdownTimeout time.Duration

	// Monitor enables the periodic progress line.
	Monitor bool

	// URLOf extracts a URL from a payload. When nil, payloads implementing
	// URLCarrier are used; anything else has no URL.
	URLOf func(T) string

	// GroupBy extracts the affinity key for ConcurrencyGroup.
	GroupBy func(T) string

	// Chrome configures the built-in strategies. Ignored when Provider is set.
	Chrome chrome.Options

	// Logger for the cluster and its workers. Nil means no logging.
	Logger *zerolog.Logger

	// Bus receives job lifecycle events. Defaults to a fresh bus,
	// reachable via Cluster.Bus().
	Bus eventbus.Bus
}

func (c Config[T]) withDefaults() Config[T] {
	if c.Concurrency == 0 {
		c.Concurrency = ConcurrencyContext
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.WorkerShutdownTimeout == 0 {
		c.WorkerShutdownTimeout = defaultWorkerShutdownTimeout
	}
	if c.Bus == nil {
		c.Bus = eventbus.New()
	}
	return c
}

func (c Config[T]) validate() error {
	if c.Provider == nil {
		switch c.Concurrency {
		case ConcurrencyPage, ConcurrencyContext, ConcurrencyBrowser:
		case ConcurrencyGroup:
			if c.GroupBy == nil {
				return fmt.Errorf("concurrency group requires GroupBy")
			}
		default:
			return fmt.Errorf("unknown concurrency value %d", c.Concurrency)
		}
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("maxConcurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retryLimit must be >= 0, got %d", c.RetryLimit)
	}
	return nil
}

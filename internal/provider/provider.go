// Package provider defines the resource-lifecycle protocol between the
// cluster core and the browser backend.
//
// The cluster never talks to a browser directly. It asks a Provider for one
// WorkerInstance per spawned worker, and asks that instance for one
// JobInstance per job. Strategy differences (shared browser vs. browser per
// worker vs. browser per group) live entirely behind these interfaces; see
// the chrome subpackage for the concrete implementations.
package provider

import "context"

// Page is the per-job browser handle passed to task functions.
//
// For the chromedp-backed providers, Context returns a tab-scoped context
// usable with chromedp.Run. Test providers may return any context.
type Page interface {
	Context() context.Context
}

// ErrorReporter is an optional Page capability. When present, the worker
// installs a one-shot observer on Errors and records the first asynchronous
// page error; a job whose task succeeds still fails if such an error arrived.
type ErrorReporter interface {
	Errors() <-chan error
}

// JobInstance is a per-job resource handle. Acquired once per job attempt,
// released with Close when the task finishes.
type JobInstance interface {
	Page() Page
	Close(ctx context.Context) error
}

// WorkerInstance is a per-worker resource. Produced once per spawned worker.
type WorkerInstance interface {
	// JobInstance acquires a per-job resource. The cluster retries failures
	// with Repair in between; see the worker acquire loop.
	JobInstance(ctx context.Context, data any) (JobInstance, error)

	// Repair restores the instance to a usable state after an error. It may
	// tear down and recreate the underlying browser process.
	Repair(ctx context.Context) error

	// Close tears down this worker's resource.
	Close(ctx context.Context) error
}

// Router is an optional WorkerInstance capability that overrides job routing.
// When absent, a worker is exclusive while it holds any active job.
//
// The predicate receives the job's group key (empty when the cluster has no
// grouping function): the shared-page strategy accepts everything, and the
// per-group strategy accepts only its own group.
type Router interface {
	CanHandle(group string) bool
}

// Provider manages the underlying browser processes.
//
// Implementations must be safe for concurrent WorkerInstance / Repair /
// Close calls across workers.
type Provider interface {
	// Init is the one-time bring-up (launching shared processes, etc.).
	Init(ctx context.Context) error

	// WorkerInstance produces a fresh per-worker resource. group is the
	// affinity key of the job that triggered the spawn; only the per-group
	// strategy uses it.
	WorkerInstance(ctx context.Context, group string) (WorkerInstance, error)

	// Close is the global shutdown.
	Close(ctx context.Context) error
}

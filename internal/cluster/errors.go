package cluster

import "errors"

var (
	// ErrClusterClosed is returned by Queue/Execute after Close.
	ErrClusterClosed = errors.New("cluster is closed")

	// ErrNoTaskFunction is the terminal error of a job dispatched while
	// neither a per-job task nor a cluster default task is set.
	ErrNoTaskFunction = errors.New("no task function: provide one via Task() or per job")

	// ErrAcquireFailed wraps the last provider error after the acquire
	// retry budget is exhausted.
	ErrAcquireFailed = errors.New("unable to get browser page")
)

// TimeoutError reports that a task outlived its deadline. The task goroutine
// may still be running; its eventual result is discarded.
type TimeoutError struct {
	Timeout string
}

func (e *TimeoutError) Error() string {
	return "timeout hit: " + e.Timeout
}

package cluster

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagecluster/internal/provider"
)

// instanceAcquireTries bounds the acquire/repair loop per job attempt.
const instanceAcquireTries = 10

// WorkResult is the outcome of one worker.handle call. Exactly one of Value
// and Err is meaningful.
type WorkResult struct {
	Value any
	Err   error
}

// worker owns one provider.WorkerInstance for its whole life. The dispatcher
// assigns jobs before handing them off, so routing always sees a consistent
// active set.
type worker[T any] struct {
	id       int
	group    string
	instance provider.WorkerInstance
	log      zerolog.Logger

	mu     sync.Mutex
	active []*Job[T]
}

func (w *worker[T]) assign(j *Job[T]) {
	w.mu.Lock()
	w.active = append(w.active, j)
	w.mu.Unlock()
}

func (w *worker[T]) finish(j *Job[T]) {
	w.mu.Lock()
	for i, a := range w.active {
		if a == j {
			w.active = append(w.active[:i], w.active[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

func (w *worker[T]) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// canHandle delegates to the instance's Router capability when present.
// Routers see the job's group key; without a router the worker is exclusive
// while it holds any active job.
func (w *worker[T]) canHandle(j *Job[T]) bool {
	if r, ok := w.instance.(provider.Router); ok {
		return r.CanHandle(j.group)
	}
	return w.activeCount() == 0
}

// handle runs one job attempt: acquire a job instance (repairing between
// failed attempts), run the task under the deadline, release, and report.
// It never panics and never returns without releasing what it acquired.
// The job must already be assigned to this worker.
func (w *worker[T]) handle(ctx context.Context, fn TaskFunc[T], j *Job[T], timeout time.Duration) WorkResult {
	defer w.finish(j)

	var (
		ji  provider.JobInstance
		err error
	)
	for try := 1; try <= instanceAcquireTries; try++ {
		ji, err = w.instance.JobInstance(ctx, j.data)
		if err == nil {
			break
		}
		w.log.Warn().Err(err).Int("try", try).Str("job", j.id).Msg("job instance acquire failed; repairing")
		if rerr := w.instance.Repair(ctx); rerr != nil {
			w.log.Error().Err(rerr).Msg("repair failed")
		}
	}
	if err != nil {
		return WorkResult{Err: fmt.Errorf("%w: %w", ErrAcquireFailed, err)}
	}

	page := ji.Page()
	var pageErrs <-chan error
	if r, ok := page.(provider.ErrorReporter); ok {
		pageErrs = r.Errors()
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan WorkResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- WorkResult{Err: fmt.Errorf("task panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, terr := fn(taskCtx, page, TaskInfo[T]{Data: j.data, WorkerID: w.id})
		done <- WorkResult{Value: v, Err: terr}
	}()

	var (
		res      WorkResult
		asyncErr error
	)
wait:
	for {
		select {
		case res = <-done:
			break wait
		case e := <-pageErrs:
			// One-shot observer: record the first async page error but keep
			// waiting for the task itself.
			if e != nil && asyncErr == nil {
				asyncErr = e
			}
			pageErrs = nil
		case <-taskCtx.Done():
			res = WorkResult{Err: &TimeoutError{Timeout: timeout.String()}}
			break wait
		}
	}
	cancel()

	// Release failures repair the instance but never fail the job.
	if cerr := ji.Close(ctx); cerr != nil {
		w.log.Warn().Err(cerr).Str("job", j.id).Msg("job instance close failed; repairing")
		if rerr := w.instance.Repair(ctx); rerr != nil {
			w.log.Error().Err(rerr).Msg("repair failed")
		}
	}

	if res.Err == nil && asyncErr != nil {
		res = WorkResult{Err: asyncErr}
	}
	return res
}

func (w *worker[T]) close(ctx context.Context) error {
	return w.instance.Close(ctx)
}

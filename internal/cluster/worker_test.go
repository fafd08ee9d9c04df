package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"pagecluster/internal/provider"
)

func newTestWorker(wi provider.WorkerInstance) *worker[int] {
	return &worker[int]{id: 0, instance: wi, log: zerolog.Nop()}
}

func okTask(v any) TaskFunc[int] {
	return func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		return v, nil
	}
}

func TestHandleRepairsUntilAcquireSucceeds(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{acquireFailures: 9, acquireErr: errors.New("no tab")}
	w := newTestWorker(wi)

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	res := w.handle(context.Background(), okTask("ok"), j, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	acquires, repairs := wi.counts()
	assert.Equal(t, 10, acquires)
	assert.GreaterOrEqual(t, repairs, 9)
	assert.Equal(t, 0, w.activeCount(), "job must be unassigned after handle")
}

func TestHandleAcquireExhausted(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{acquireFailures: 100, acquireErr: errors.New("no tab")}
	w := newTestWorker(wi)

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	res := w.handle(context.Background(), okTask(nil), j, time.Second)

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrAcquireFailed)
	acquires, repairs := wi.counts()
	assert.Equal(t, instanceAcquireTries, acquires)
	assert.Equal(t, instanceAcquireTries, repairs)
}

func TestHandleReleaseFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{jobCloseErr: errors.New("close failed")}
	w := newTestWorker(wi)

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	res := w.handle(context.Background(), okTask("fine"), j, time.Second)

	require.NoError(t, res.Err, "release errors are diagnostic, not job outcomes")
	assert.Equal(t, "fine", res.Value)
	_, repairs := wi.counts()
	assert.Equal(t, 1, repairs, "release failure must repair the instance")
}

func TestHandleTimeout(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{}
	w := newTestWorker(wi)

	// The task ignores its context entirely; the deadline must still fire.
	stuck := func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	}

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	start := time.Now()
	res := w.handle(context.Background(), stuck, j, 50*time.Millisecond)

	require.Error(t, res.Err)
	var te *TimeoutError
	assert.ErrorAs(t, res.Err, &te)
	assert.Less(t, time.Since(start), time.Second, "handle must not wait for the stuck task")
}

func TestHandleAsyncPageError(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{}
	w := newTestWorker(wi)

	pageErr := errors.New("page crashed")
	slowOK := func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		// Feed the async error while the task is still running, then finish
		// successfully. The async error must win.
		page.(*fakePage).errs <- pageErr
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	}

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	res := w.handle(context.Background(), slowOK, j, time.Second)

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, pageErr)
}

func TestHandleTaskPanic(t *testing.T) {
	t.Parallel()
	wi := &fakeWorkerInstance{}
	w := newTestWorker(wi)

	panicking := func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		panic("kaboom")
	}

	j := &Job[int]{id: "j1", data: 1}
	w.assign(j)
	res := w.handle(context.Background(), panicking, j, time.Second)

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "task panic")
}

func TestCanHandle(t *testing.T) {
	t.Parallel()

	t.Run("exclusive without router", func(t *testing.T) {
		w := newTestWorker(&fakeWorkerInstance{})
		j := &Job[int]{id: "j1"}
		assert.True(t, w.canHandle(j))
		w.assign(j)
		assert.False(t, w.canHandle(&Job[int]{id: "j2"}))
	})

	t.Run("router delegated", func(t *testing.T) {
		wi := &routedWorkerInstance{}
		wi.canHandle = func(g string) bool { return g == "a" }
		w := newTestWorker(wi)
		assert.True(t, w.canHandle(&Job[int]{group: "a"}))
		assert.False(t, w.canHandle(&Job[int]{group: "b"}))
		// Routers override the exclusivity rule even while busy.
		j := &Job[int]{id: "j1", group: "a"}
		w.assign(j)
		assert.True(t, w.canHandle(&Job[int]{group: "a"}))
	})
}

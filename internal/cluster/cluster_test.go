package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagecluster/internal/provider"
)

func testConfig(t *testing.T, mut func(*Config[int])) (*Cluster[int], *fakeProvider) {
	t.Helper()
	fp := &fakeProvider{}
	cfg := Config[int]{
		Provider: fp,
		Timeout:  5 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	cl, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cl.Close(ctx)
	})
	return cl, fp
}

func TestExecuteReturnsTaskValue(t *testing.T) {
	t.Parallel()
	cl, _ := testConfig(t, nil)
	cl.Task(func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		return ti.Data * 2, nil
	})

	for _, in := range []int{1, 2, 3} {
		got, err := cl.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, in*2, got)
	}

	s := cl.Snapshot()
	assert.Equal(t, 3, s.Done)
	assert.Equal(t, 0, s.Errors)
}

func TestQueueRunsInEnqueueOrder(t *testing.T) {
	t.Parallel()
	cl, _ := testConfig(t, func(c *Config[int]) { c.MaxConcurrency = 1 })

	var (
		mu    sync.Mutex
		order []int
	)
	cl.Task(func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		mu.Lock()
		order = append(order, ti.Data)
		mu.Unlock()
		return nil, nil
	})

	for _, in := range []int{1, 2, 3} {
		require.NoError(t, cl.Queue(in))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Idle(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestExecuteNeverRetries(t *testing.T) {
	t.Parallel()
	cl, _ := testConfig(t, func(c *Config[int]) { c.RetryLimit = 5 })

	boom := errors.New("boom")
	var attempts int
	var mu sync.Mutex
	cl.Task(func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, boom
	})

	_, err := cl.Execute(context.Background(), 7)
	require.ErrorIs(t, err, boom)

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
	assert.Equal(t, 1, cl.Snapshot().Errors)
}

func TestSkipDuplicateURLs(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	cfg := Config[string]{
		Provider:          fp,
		Timeout:           5 * time.Second,
		SkipDuplicateURLs: true,
		URLOf:             func(u string) string { return u },
	}
	cl, err := Launch(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = cl.Close(context.Background()) }()

	var runs int
	var mu sync.Mutex
	cl.Task(func(ctx context.Context, page provider.Page, ti TaskInfo[string]) (any, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, nil
	})

	require.NoError(t, cl.Queue("https://a.test/page"))
	require.NoError(t, cl.Queue("https://a.test/page"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Idle(ctx))

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	s := cl.Snapshot()
	assert.Equal(t, 2, s.AllTargets)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Done)
}

func TestIdleOnIdleClusterReturnsImmediately(t *testing.T) {
	t.Parallel()
	cl, _ := testConfig(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cl.Idle(ctx))
}

func TestWaitForOne(t *testing.T) {
	t.Parallel()
	cl, _ := testConfig(t, nil)
	cl.Task(func(ctx context.Context, page provider.Page, ti TaskInfo[int]) (any, error) {
		return nil, nil
	})

	done := make(chan int, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		data, err := cl.WaitForOne(ctx)
		if err == nil {
			done <- data
		}
	}()

	// Give the waiter a moment to register before the job completes.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cl.Queue(42))

	select {
	case data := <-done:
		assert.Equal(t, 42, data)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForOne did not resolve")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	cl, err := Launch(context.Background(), Config[int]{Provider: fp, Timeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, cl.Close(context.Background()))
	require.NoError(t, cl.Close(context.Background()))

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, 1, fp.closeCalls)
}

func TestQueueAfterCloseFails(t *testing.T) {
	t.Parallel()
	fp := &fakeProvider{}
	cl, err := Launch(context.Background(), Config[int]{Provider: fp, Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, cl.Close(context.Background()))

	assert.ErrorIs(t, cl.Queue(1), ErrClusterClosed)
	_, err = cl.Execute(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClusterClosed)
}

func TestLaunchValidation(t *testing.T) {
	t.Parallel()
	_, err := Launch(context.Background(), Config[int]{Concurrency: Concurrency(9)})
	assert.Error(t, err)

	_, err = Launch(context.Background(), Config[int]{Provider: &fakeProvider{}, MaxConcurrency: -1})
	assert.Error(t, err)

	_, err = Launch(context.Background(), Config[int]{Concurrency: ConcurrencyGroup})
	assert.Error(t, err, "group strategy requires GroupBy")
}

func TestURLAndDomainDerivation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		url    string
		domain string
	}{
		{name: "https", url: "https://sub.example.com/x?y=1", domain: "sub.example.com"},
		{name: "http with port", url: "http://example.com:8080/", domain: "example.com"},
		{name: "empty", url: "", domain: ""},
		{name: "garbage", url: "::not a url::", domain: ""},
	}

	fp := &fakeProvider{}
	cl, err := Launch(context.Background(), Config[string]{
		Provider: fp,
		Timeout:  time.Second,
		URLOf:    func(u string) string { return u },
	})
	require.NoError(t, err)
	defer func() { _ = cl.Close(context.Background()) }()

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := cl.newJob(tt.url, nil, nil)
			assert.Equal(t, tt.url, j.url)
			assert.Equal(t, tt.domain, j.domain)
		})
	}
}

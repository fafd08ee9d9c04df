package cluster

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"pagecluster/internal/eventbus"
)

const (
	// checkForWorkInterval is the poll tick that backstops event-driven
	// dispatch: delayed entries and spawn throttles become eligible without
	// any external signal.
	checkForWorkInterval = 100 * time.Millisecond

	// workCallIntervalLimit is the minimum spacing between dispatch
	// iterations; bursts of requestDispatch calls coalesce onto it.
	workCallIntervalLimit = 10 * time.Millisecond
)

// requestDispatch signals the dispatcher. Calls coalesce: at most one signal
// is pending at any time.
func (c *Cluster[T]) requestDispatch() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single dispatch fiber. Every queue(), completion and
// poll tick funnels through here, so dispatch() runs strictly serially.
func (c *Cluster[T]) dispatchLoop() {
	defer c.loopWG.Done()
	ticker := time.NewTicker(checkForWorkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.notify:
		}

		c.dispatch()

		select {
		case <-c.stop:
			return
		case <-time.After(workCallIntervalLimit):
		}
	}
}

// dispatch runs one decide-and-hand-off iteration: pick the first eligible
// job, apply admission filters, ensure a worker, commit, and launch the
// attempt. Suspension points (worker spawn, the task itself) run outside the
// cluster lock; serialization is preserved because only the dispatch loop
// calls this.
func (c *Cluster[T]) dispatch() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if c.q.Size() == 0 {
		if c.inFlight == 0 {
			for _, ch := range c.idleWaiters {
				close(ch)
			}
			c.idleWaiters = nil
		}
		c.mu.Unlock()
		return
	}

	j, ok := c.q.Peek()
	if !ok {
		// Entries exist but all are delayed; the poll tick retries.
		c.mu.Unlock()
		return
	}

	// Duplicate URL filter.
	if c.cfg.SkipDuplicateURLs && j.url != "" {
		if _, seen := c.seenURLs[j.url]; seen {
			c.q.Remove(j)
			c.skipped++
			c.mu.Unlock()
			c.log.Debug().Str("url", j.url).Msg("duplicate url skipped")
			c.requestDispatch()
			return
		}
	}

	// Domain cooldown filter: probe the domain limiter without consuming a
	// slot; the slot is taken at commit.
	if c.cfg.SameDomainDelay > 0 && j.domain != "" {
		if d := c.domainDelay(j.domain); d > 0 {
			c.q.Remove(j)
			c.q.PushAt(j, time.Now().Add(d))
			c.mu.Unlock()
			c.requestDispatch()
			return
		}
	}

	// Capacity: spawn lazily when nobody can take the job.
	if !c.pool.canHandle(j) {
		if c.pool.canLaunch(j) {
			c.mu.Unlock()
			if err := c.pool.launch(c.runCtx, j); err != nil {
				c.log.Error().Err(err).Msg("worker launch failed")
			}
			c.requestDispatch()
			return
		}
		c.mu.Unlock()
		return
	}

	w := c.pool.getWorker(j)
	if w == nil {
		c.mu.Unlock()
		return
	}

	// Commit: from here on the job is this worker's.
	c.q.Remove(j)
	if c.cfg.SkipDuplicateURLs && j.url != "" {
		c.seenURLs[j.url] = struct{}{}
	}
	if c.cfg.SameDomainDelay > 0 && j.domain != "" {
		c.domainLimiter(j.domain).Allow()
	}

	// Let parallel workers drain the queue without waiting for this
	// attempt to finish.
	if nxt, ok := c.q.Peek(); ok && c.pool.hasFreeCapacity(nxt) {
		c.requestDispatch()
	}

	fn := j.task
	if fn == nil {
		fn = c.defaultTask
	}
	j.tries++
	c.inFlight++

	if fn == nil {
		// Dispatching without any task function is a programmer error; fail
		// the job rather than the dispatcher.
		c.mu.Unlock()
		c.log.Error().Str("job", j.id).Msg(ErrNoTaskFunction.Error())
		c.completeJob(j, WorkResult{Err: ErrNoTaskFunction}, time.Now())
		c.requestDispatch()
		return
	}

	w.assign(j)
	c.mu.Unlock()

	c.jobsWG.Add(1)
	go c.runJob(w, j, fn)
}

// runJob is one parallel job attempt; completion re-enters the serialized
// state through completeJob.
func (c *Cluster[T]) runJob(w *worker[T], j *Job[T], fn TaskFunc[T]) {
	defer c.jobsWG.Done()
	started := time.Now()

	var res WorkResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in job attempt")
				res = WorkResult{Err: fmt.Errorf("job attempt panic: %v", r)}
			}
		}()
		res = w.handle(c.runCtx, fn, j, c.cfg.Timeout)
	}()

	c.completeJob(j, res, started)
	c.requestDispatch()
}

// completeJob applies the outcome of one attempt: deliver Execute results,
// retry or finalize queued jobs, emit events, wake WaitForOne waiters.
func (c *Cluster[T]) completeJob(j *Job[T], res WorkResult, started time.Time) {
	dur := time.Since(started)
	var events []eventbus.Event

	c.mu.Lock()
	c.inFlight--

	if res.Err != nil {
		errStr := res.Err.Error()
		if j.result != nil {
			// Execute jobs surface every terminal error; never retried.
			c.errCount++
			j.result <- jobResult{err: res.Err}
			events = append(events, eventbus.Event{Topic: TopicFailed, Data: JobEvent{
				ID: j.id, URL: j.url, Tries: j.tries, Error: errStr, Duration: dur, Data: j.data,
			}})
		} else {
			j.errs = append(j.errs, res.Err)
			// A missing task function is a programmer error, not a transient
			// failure: retrying would repeat the identical failure, so it is
			// terminal on the first attempt regardless of the retry budget.
			willRetry := j.tries <= c.cfg.RetryLimit && !errors.Is(res.Err, ErrNoTaskFunction)
			events = append(events, eventbus.Event{Topic: TopicTaskError, Data: JobEvent{
				ID: j.id, URL: j.url, Tries: j.tries, WillRetry: willRetry, Error: errStr, Duration: dur, Data: j.data,
			}})
			if willRetry {
				if c.cfg.RetryDelay > 0 {
					c.q.PushAt(j, time.Now().Add(c.cfg.RetryDelay))
				} else {
					c.q.Push(j)
				}
			} else {
				c.errCount++
				events = append(events, eventbus.Event{Topic: TopicFailed, Data: JobEvent{
					ID: j.id, URL: j.url, Tries: j.tries, Error: errStr, Duration: dur, Data: j.data,
				}})
			}
		}
	} else {
		c.done++
		if j.result != nil {
			j.result <- jobResult{value: res.Value}
		}
		events = append(events, eventbus.Event{Topic: TopicFinished, Data: JobEvent{
			ID: j.id, URL: j.url, Tries: j.tries, Duration: dur, Data: j.data,
		}})
	}

	for _, ch := range c.oneWaiters {
		ch <- j.data
	}
	c.oneWaiters = nil
	c.mu.Unlock()

	for _, e := range events {
		c.bus.Publish(e)
	}
}

// domainDelay reports how long a dispatch for domain must still wait,
// without consuming the domain's slot.
func (c *Cluster[T]) domainDelay(domain string) time.Duration {
	now := time.Now()
	r := c.domainLimiter(domain).ReserveN(now, 1)
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

func (c *Cluster[T]) domainLimiter(domain string) *rate.Limiter {
	lim, ok := c.domainLimits[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.SameDomainDelay), 1)
		c.domainLimits[domain] = lim
	}
	return lim
}

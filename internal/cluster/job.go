package cluster

import (
	"net/url"
	"time"

	"github.com/google/uuid"

	"pagecluster/internal/eventbus"
)

// Event topics published on the cluster bus.
const (
	// TopicQueued fires on every Queue/Execute admission.
	TopicQueued eventbus.Topic = "job.queued"

	// TopicTaskError fires on every failed attempt of a Queue job, including
	// attempts that will be retried. Execute job failures publish only
	// TopicFailed.
	TopicTaskError eventbus.Topic = "job.taskerror"

	// TopicFinished fires on terminal success.
	TopicFinished eventbus.Topic = "job.finished"

	// TopicFailed fires on terminal failure (retries exhausted, or an
	// Execute job erroring).
	TopicFailed eventbus.Topic = "job.failed"
)

// JobEvent is the bus payload for all job topics.
type JobEvent struct {
	ID        string
	URL       string
	Tries     int
	WillRetry bool
	Error     string
	Duration  time.Duration
	Data      any
}

type jobResult struct {
	value any
	err   error
}

// Job is the internal unit of work. Payload, derived routing keys and retry
// bookkeeping travel together; the dispatcher owns all mutation.
type Job[T any] struct {
	id   string
	data T
	task TaskFunc[T] // optional per-job override

	// result is non-nil iff the job was enqueued via Execute; the terminal
	// outcome is delivered exactly once on it, and such jobs are never
	// retried.
	result chan jobResult

	tries int
	errs  []error

	url    string
	domain string
	group  string

	enqueued time.Time
}

func (c *Cluster[T]) newJob(data T, task TaskFunc[T], result chan jobResult) *Job[T] {
	j := &Job[T]{
		id:       uuid.NewString(),
		data:     data,
		task:     task,
		result:   result,
		enqueued: time.Now(),
	}
	j.url = c.urlOf(data)
	if j.url != "" {
		if u, err := url.Parse(j.url); err == nil {
			j.domain = u.Hostname()
		}
	}
	if c.cfg.GroupBy != nil {
		j.group = c.cfg.GroupBy(data)
	}
	return j
}

func (c *Cluster[T]) urlOf(data T) string {
	if c.cfg.URLOf != nil {
		return c.cfg.URLOf(data)
	}
	if u, ok := any(data).(URLCarrier); ok {
		return u.JobURL()
	}
	return ""
}

// ID returns the job's identifier as used in events and history records.
func (j *Job[T]) ID() string { return j.id }

// Tries reports the number of attempts so far.
func (j *Job[T]) Tries() int { return j.tries }

// Errors returns the errors accumulated across attempts.
func (j *Job[T]) Errors() []error { return j.errs }

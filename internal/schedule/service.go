// Package schedule feeds recurring jobs into the cluster on cron specs.
//
// The service is trigger-only: it owns no workers and no queue. Each firing
// enqueues the registered payload and execution happens in the cluster.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Service registers cron-spec'd payloads and enqueues them on each firing.
type Service[T any] struct {
	log     zerolog.Logger
	enqueue func(T) error
	parser  cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	entries map[cron.EntryID]string
}

// New builds a stopped service. enqueue is called once per firing; enqueue
// errors are logged, not retried (the next firing tries again).
func New[T any](log zerolog.Logger, enqueue func(T) error) *Service[T] {
	return &Service[T]{
		log:     log.With().Str("component", "schedule").Logger(),
		enqueue: enqueue,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[cron.EntryID]string{},
	}
}

// Add registers data to be enqueued on spec. Valid any time, including
// before Start.
func (s *Service[T]) Add(spec string, data T) (cron.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = cron.New(cron.WithParser(s.parser))
	}
	id, err := s.c.AddFunc(spec, func() {
		if err := s.enqueue(data); err != nil {
			s.log.Warn().Err(err).Str("spec", spec).Msg("scheduled enqueue failed")
		}
	})
	if err != nil {
		return 0, err
	}
	s.entries[id] = spec
	s.log.Debug().Str("spec", spec).Int("entry", int(id)).Msg("schedule added")
	return id, nil
}

// Remove unregisters an entry.
func (s *Service[T]) Remove(id cron.EntryID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.c.Remove(id)
	}
	delete(s.entries, id)
}

// Specs returns the registered specs keyed by entry id.
func (s *Service[T]) Specs() map[cron.EntryID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[cron.EntryID]string, len(s.entries))
	for id, spec := range s.entries {
		out[id] = spec
	}
	return out
}

// Start begins triggering. Idempotent.
func (s *Service[T]) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = cron.New(cron.WithParser(s.parser))
	}
	s.c.Start()
	s.log.Info().Int("schedules", len(s.entries)).Msg("service started")
}

// Stop halts triggering and waits (ctx-bounded) for in-flight enqueue
// callbacks.
func (s *Service[T]) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info().Dur("took", time.Since(start)).Msg("service stopped")
}

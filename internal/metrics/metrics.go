// Package metrics exposes cluster counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagecluster/internal/cluster"
	"pagecluster/internal/eventbus"
)

// Service owns a private registry: counters fed by bus events and gauges
// read from cluster snapshots on scrape.
type Service struct {
	registry *prometheus.Registry

	queued     prometheus.Counter
	finished   prometheus.Counter
	failed     prometheus.Counter
	taskErrors prometheus.Counter
}

// New registers all collectors. snapshot and bus are read at scrape time.
func New(snapshot func() cluster.Snapshot, bus eventbus.Bus) *Service {
	reg := prometheus.NewRegistry()
	s := &Service{
		registry: reg,
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagecluster_jobs_queued_total",
			Help: "Jobs admitted via Queue or Execute.",
		}),
		finished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagecluster_jobs_finished_total",
			Help: "Jobs that reached terminal success.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagecluster_jobs_failed_total",
			Help: "Jobs that reached terminal failure.",
		}),
		taskErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagecluster_task_errors_total",
			Help: "Failed attempts of Queue jobs, including ones that were retried.",
		}),
	}
	reg.MustRegister(s.queued, s.finished, s.failed, s.taskErrors)

	gauge := func(name, help string, read func(cluster.Snapshot) int) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(read(snapshot()))
		}))
	}
	gauge("pagecluster_queue_length", "Entries in the job queue, delayed included.",
		func(s cluster.Snapshot) int { return s.Queued })
	gauge("pagecluster_jobs_in_flight", "Jobs currently executing.",
		func(s cluster.Snapshot) int { return s.InFlight })
	gauge("pagecluster_workers", "Live workers.",
		func(s cluster.Snapshot) int { return s.Workers })
	gauge("pagecluster_workers_busy", "Workers with at least one active job.",
		func(s cluster.Snapshot) int { return s.Busy })

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pagecluster_bus_subscribers",
		Help: "Live event bus subscribers.",
	}, func() float64 { return float64(bus.SubscriberCount()) }))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pagecluster_bus_dropped_events_total",
		Help: "Events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(bus.Dropped()) }))

	return s
}

// Observe feeds one bus event into the counters.
func (s *Service) Observe(e eventbus.Event) {
	switch e.Topic {
	case cluster.TopicQueued:
		s.queued.Inc()
	case cluster.TopicFinished:
		s.finished.Inc()
	case cluster.TopicFailed:
		s.failed.Inc()
	case cluster.TopicTaskError:
		s.taskErrors.Inc()
	}
}

// Handler serves the registry in Prometheus text format.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

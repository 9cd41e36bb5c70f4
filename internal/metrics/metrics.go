// Package metrics owns the Prometheus collectors for the service. The
// registry is constructed per service container rather than using the global
// default, so tests can build as many isolated instances as they need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "robot_console"

// Metrics bundles every collector the components update. Fields are the raw
// prometheus types; callers use them directly.
type Metrics struct {
	Registry *prometheus.Registry

	Enqueued       prometheus.Counter
	Dequeued       prometheus.Counter
	Acked          prometheus.Counter
	Nacked         prometheus.Counter
	QueueDepth     *prometheus.GaugeVec
	QueueDelayed   prometheus.Gauge
	InFlight       prometheus.Gauge
	DispatchErrors *prometheus.CounterVec
	Dispatches     *prometheus.HistogramVec
	RobotsOnline   prometheus.Gauge
	BusSubscribers prometheus.Gauge
	BusDropped     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Commands accepted into the priority queue.",
		}),
		Dequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dequeued_total",
			Help:      "Commands handed to a worker.",
		}),
		Acked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_acked_total",
			Help:      "Commands acknowledged after a successful dispatch.",
		}),
		Nacked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_nacked_total",
			Help:      "Commands negatively acknowledged, requeued or failed.",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Waiting commands per priority band.",
		}, []string{"band"}),
		QueueDelayed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_delayed",
			Help:      "Commands parked in retry backoff.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_in_flight",
			Help:      "Commands currently held by workers.",
		}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Dispatch failures by taxonomy code.",
		}, []string{"code"}),
		Dispatches: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Adapter dispatch latency by protocol.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"protocol"}),
		RobotsOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robots_online",
			Help:      "Registry entries currently marked online or busy.",
		}),
		BusSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Active event bus subscriptions.",
		}),
		BusDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_subscribers_dropped_total",
			Help:      "Subscriptions dropped for falling behind.",
		}),
	}
}

// Package metrics exports cable instrumentation in the Prometheus format.
package metrics

import (
	"net/http"

	"cable-service/internal/cable"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cable"

type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	connectionEvents *prometheus.CounterVec
	broadcasts       prometheus.Counter
	transmissions    prometheus.Counter
	subscriptions    *prometheus.CounterVec
	actions          *prometheus.HistogramVec
	jobs             prometheus.Histogram
	errors           *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open cable connections.",
		}),
		connectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts published from this process.",
		}),
		transmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmissions_total",
			Help:      "Channel messages transmitted to clients.",
		}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Subscription outcomes by channel.",
		}, []string{"channel", "result"}),
		actions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Channel action latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "action"}),
		jobs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_job_duration_seconds",
			Help:      "Time spent running worker pool jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by type and severity.",
		}, []string{"type", "severity"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.connectionEvents,
		m.broadcasts,
		m.transmissions,
		m.subscriptions,
		m.actions,
		m.jobs,
		m.errors,
	)
	return m
}

// Attach subscribes the collectors to the server's hooks and exports its
// worker pool gauges.
func (m *Metrics) Attach(server *cable.Server) {
	hooks := server.Hooks()
	hooks.AddEventHook(m.observeEvent)
	hooks.AddConnectionHook(m.observeConnection)
	hooks.AddErrorHook(m.observeError)

	pool := server.WorkerPool()
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pending_jobs",
			Help:      "Jobs submitted to the worker pool and not yet finished.",
		}, func() float64 { return float64(pool.Stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_running",
			Help:      "Worker pool goroutines currently running.",
		}, func() float64 { return float64(pool.Stats().Running) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_overloaded_total",
			Help:      "Jobs refused because the worker backlog was full.",
		}, func() float64 { return float64(pool.Stats().Overloaded) }),
	)
}

func (m *Metrics) observeEvent(e any) {
	event, ok := e.(cable.Event)
	if !ok {
		return
	}
	switch event.Name {
	case cable.EventWork:
		m.jobs.Observe(event.Duration.Seconds())
	case cable.EventPerformAction:
		m.actions.WithLabelValues(event.Channel, event.Action).Observe(event.Duration.Seconds())
	case cable.EventBroadcast:
		m.broadcasts.Inc()
	case cable.EventTransmit:
		m.transmissions.Inc()
	case cable.EventConfirmSubscription:
		m.subscriptions.WithLabelValues(event.Channel, "confirmed").Inc()
	case cable.EventRejectSubscription:
		m.subscriptions.WithLabelValues(event.Channel, "rejected").Inc()
	}
}

func (m *Metrics) observeConnection(e any) {
	event, ok := e.(cable.ConnectionEvent)
	if !ok {
		return
	}
	m.connectionEvents.WithLabelValues(event.EventType).Inc()
	switch event.EventType {
	case cable.ConnectionEventConnect:
		m.connections.Inc()
	case cable.ConnectionEventDisconnect:
		m.connections.Dec()
	}
}

func (m *Metrics) observeError(e any) {
	event, ok := e.(cable.ErrorEvent)
	if !ok {
		return
	}
	m.errors.WithLabelValues(string(event.Type), string(event.Severity)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

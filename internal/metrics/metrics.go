// Package metrics owns the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobcast/internal/events"
	"jobcast/internal/queue"
)

const namespace = "jobcast"

// Job outcomes recorded in jobcast_jobs_total.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
)

type Metrics struct {
	reg *prometheus.Registry

	queueJobs     *prometheus.GaugeVec
	jobs          *prometheus.CounterVec
	stalled       *prometheus.CounterVec
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	connections   prometheus.Gauge
	subscriptions *prometheus.GaugeVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state, refreshed periodically.",
		}, []string{"queue", "state"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Job attempts by outcome.",
		}, []string{"queue", "outcome"}),
		stalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stalled_total",
			Help:      "Jobs whose lock expired while active.",
		}, []string{"queue"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "User events published, by result.",
		}, []string{"topic", "result"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_events_delivered_total",
			Help:      "Envelopes handed to subscribers.",
		}, []string{"topic"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open subscriber connections.",
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_subscriptions",
			Help:      "Active subscriptions per topic.",
		}, []string{"topic"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueJobs, m.jobs, m.stalled, m.published, m.delivered, m.connections, m.subscriptions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetQueueCounts(name string, c queue.Counts) {
	m.queueJobs.WithLabelValues(name, string(queue.StatusWaiting)).Set(float64(c.Waiting))
	m.queueJobs.WithLabelValues(name, string(queue.StatusActive)).Set(float64(c.Active))
	m.queueJobs.WithLabelValues(name, string(queue.StatusCompleted)).Set(float64(c.Completed))
	m.queueJobs.WithLabelValues(name, string(queue.StatusFailed)).Set(float64(c.Failed))
	m.queueJobs.WithLabelValues(name, string(queue.StatusDelayed)).Set(float64(c.Delayed))
	paused := 0.0
	if c.Paused {
		paused = 1
	}
	m.queueJobs.WithLabelValues(name, "paused").Set(paused)
}

func (m *Metrics) JobOutcome(name, outcome string) { m.jobs.WithLabelValues(name, outcome).Inc() }

func (m *Metrics) JobStalled(name string) { m.stalled.WithLabelValues(name).Inc() }

// EventPublished matches events.Observer.
func (m *Metrics) EventPublished(t events.Topic, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.published.WithLabelValues(string(t), result).Inc()
}

// The methods below implement gateway.Observer.

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) SubscriptionStarted(t events.Topic) { m.subscriptions.WithLabelValues(string(t)).Inc() }
func (m *Metrics) SubscriptionEnded(t events.Topic)   { m.subscriptions.WithLabelValues(string(t)).Dec() }
func (m *Metrics) EventDelivered(t events.Topic)      { m.delivered.WithLabelValues(string(t)).Inc() }

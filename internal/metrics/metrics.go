// Package metrics holds the Prometheus collectors for the publish pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	// Labels: platform, outcome (completed, retry, failed, discarded)
	Jobs *prometheus.CounterVec
	// Labels: platform, kind
	DispatchErrors *prometheus.CounterVec
	// Labels: platform
	PublishDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	// Labels: source, result (ran, skipped, error)
	Triggers *prometheus.CounterVec
	Enqueued prometheus.Counter

	// Labels: state
	QueueJobs *prometheus.GaugeVec

	// Labels: platform, result (refreshed, reauth)
	Credentials *prometheus.CounterVec

	// Labels: method, route, status
	HTTPRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_jobs_total",
		Help: "Publish jobs by final worker decision.",
	}, []string{"platform", "outcome"})
	m.DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_dispatch_errors_total",
		Help: "Dispatch failures by error kind.",
	}, []string{"platform", "kind"})
	m.PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crosspost_dispatch_duration_seconds",
		Help:    "Time spent dispatching one job, including credential refresh and media fetch.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"platform"})
	m.InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crosspost_jobs_in_flight",
		Help: "Jobs currently being dispatched.",
	})
	m.Triggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_triggers_total",
		Help: "Producer trigger attempts by source and result.",
	}, []string{"source", "result"})
	m.Enqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crosspost_jobs_enqueued_total",
		Help: "Jobs added to the queue by the producer.",
	})
	m.QueueJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crosspost_queue_jobs",
		Help: "Jobs in the queue by state, as of the last sample.",
	}, []string{"state"})
	m.Credentials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_credential_events_total",
		Help: "Credential refreshes and re-authorization requests.",
	}, []string{"platform", "result"})
	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crosspost_http_requests_total",
		Help: "HTTP requests served by the trigger API.",
	}, []string{"method", "route", "status"})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Jobs, m.DispatchErrors, m.PublishDuration, m.InFlight,
		m.Triggers, m.Enqueued, m.QueueJobs, m.Credentials, m.HTTPRequests,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) JobOutcome(platform, outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) DispatchError(platform, kind string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(platform, kind).Inc()
}

func (m *Metrics) ObserveDispatch(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishDuration.WithLabelValues(platform).Observe(d.Seconds())
}

// Begin marks one job in flight and returns the matching release.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

func (m *Metrics) Trigger(source, result string, enqueued int) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(source, result).Inc()
	if enqueued > 0 {
		m.Enqueued.Add(float64(enqueued))
	}
}

func (m *Metrics) SetQueueCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.QueueJobs.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) Credential(platform, result string) {
	if m == nil {
		return
	}
	m.Credentials.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) HTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}

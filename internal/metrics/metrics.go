// Package metrics exposes the bot's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phonecheck"

// Metrics implements the counters consumed by ingest, bot and dispatch.
type Metrics struct {
	registry *prometheus.Registry

	UpdatesReceived  prometheus.Counter
	PollErrors       prometheus.Counter
	CommandsHandled  *prometheus.CounterVec
	OutcomesRecorded *prometheus.CounterVec
	JobsFinished     *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	JobsInFlight     prometheus.Gauge
	LockTimeouts     prometheus.Counter
	NotifyFailures   prometheus.Counter
}

// New registers every collector on a fresh registry, so several instances
// can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UpdatesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Inbound updates handed to the command dispatcher",
		}),
		PollErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed long-poll requests",
		}),
		CommandsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Commands handled, by command name",
		}, []string{"command"}),
		OutcomesRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_recorded_total",
			Help:      "Per-number verification outcomes recorded",
		}, []string{"outcome"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that left the worker, by final status",
		}, []string{"status"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time a worker spent on a job",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by a worker",
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_lock_timeouts_total",
			Help:      "Store operations that gave up waiting for a namespace lock",
		}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Owner notifications dropped after all retries",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) UpdateReceived() { m.UpdatesReceived.Inc() }
func (m *Metrics) PollFailed()     { m.PollErrors.Inc() }
func (m *Metrics) LockTimeout()    { m.LockTimeouts.Inc() }
func (m *Metrics) NotifyFailed()   { m.NotifyFailures.Inc() }

func (m *Metrics) CommandHandled(name string) {
	m.CommandsHandled.WithLabelValues(name).Inc()
}

func (m *Metrics) OutcomeRecorded(outcome string) {
	m.OutcomesRecorded.WithLabelValues(outcome).Inc()
}

// JobStarted returns a func that records the job's end with its final status.
func (m *Metrics) JobStarted() func(status string) {
	start := time.Now()
	m.JobsInFlight.Inc()
	return func(status string) {
		m.JobsInFlight.Dec()
		m.JobDuration.Observe(time.Since(start).Seconds())
		m.JobsFinished.WithLabelValues(status).Inc()
	}
}

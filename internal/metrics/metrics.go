package metrics

import (
	"net/http"

	"bytemomo/warden/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics holds the collectors fed by the engine, notifier and orchestrator
// observer hooks.
type Metrics struct {
	registry *prometheus.Registry

	ScansFinished    *prometheus.CounterVec
	CheckerDuration  *prometheus.HistogramVec
	CheckerOutcomes  *prometheus.CounterVec
	CheckersInFlight prometheus.Gauge
	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Scans that reached a terminal state.",
		}, []string{"state"}),
		CheckerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checker_duration_seconds",
			Help:      "Wall time of checker invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"checker"}),
		CheckerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checker_runs_total",
			Help:      "Checker invocations by outcome.",
		}, []string{"checker", "outcome"}),
		CheckersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkers_in_flight",
			Help:      "Checkers currently running across all scans.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Notification delivery attempts by sink type and result.",
		}, []string{"sink_type", "result"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of notification delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink_type"}),
	}

	m.registry.MustRegister(
		m.ScansFinished,
		m.CheckerDuration,
		m.CheckerOutcomes,
		m.CheckersInFlight,
		m.Deliveries,
		m.DeliveryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// scanCollector reports the scan table as gauges at scrape time, so the
// values always agree with the orchestrator.
type scanCollector struct {
	desc  *prometheus.Desc
	stats func() map[domain.ScanState]int
}

func (c *scanCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *scanCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.stats() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}

// WatchScans exports the per-state scan counts returned by stats.
func (m *Metrics) WatchScans(stats func() map[domain.ScanState]int) error {
	return m.registry.Register(&scanCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "scans"),
			"Scans currently in each lifecycle state.",
			[]string{"state"}, nil,
		),
		stats: stats,
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ScanTransitioned implements orchestrator.Observer.
func (m *Metrics) ScanTransitioned(_, to domain.ScanState) {
	if to.Terminal() {
		m.ScansFinished.WithLabelValues(string(to)).Inc()
	}
}

// CheckerStarted implements engine.Observer.
func (m *Metrics) CheckerStarted(string, string) {
	m.CheckersInFlight.Inc()
}

// CheckerFinished implements engine.Observer.
func (m *Metrics) CheckerFinished(_ string, run domain.CheckerRun) {
	m.CheckersInFlight.Dec()
	m.CheckerDuration.WithLabelValues(run.Name).Observe(run.Duration.Seconds())
	m.CheckerOutcomes.WithLabelValues(run.Name, string(run.Outcome)).Inc()
}

// DeliveryAttempted implements notifier.Observer.
func (m *Metrics) DeliveryAttempted(sink domain.Sink, attempt domain.DeliveryAttempt) {
	result := "success"
	if !attempt.Succeeded() {
		result = "failure"
	}
	m.Deliveries.WithLabelValues(string(sink.Type), result).Inc()
	m.DeliveryDuration.WithLabelValues(string(sink.Type)).Observe(attempt.Duration.Seconds())
}

package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

// Metrics collects Prometheus counters and histograms for lockerfleetd.
type Metrics struct {
	registry                *prometheus.Registry
	sessionTransitionsTotal *prometheus.CounterVec
	sessionDurationSeconds  *prometheus.HistogramVec
	taskEventsTotal         *prometheus.CounterVec
	schedulerRestartsTotal  prometheus.Counter
	schedulerFiresTotal     prometheus.Counter
	reportsDroppedTotal     *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	sessionTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerfleet",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions.",
		},
		[]string{"from", "to"},
	)
	sessionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lockerfleet",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session lifetime from creation to conclusion.",
			Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 14400, 43200, 86400, 172800},
		},
		[]string{"final_state"},
	)
	taskEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerfleet",
			Subsystem: "task",
			Name:      "events_total",
			Help:      "Total task lifecycle events.",
		},
		[]string{"event", "target"},
	)
	schedulerRestartsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockerfleet",
			Subsystem: "scheduler",
			Name:      "restarts_total",
			Help:      "Times the expiration scheduler recomputed its deadline.",
		},
	)
	schedulerFiresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockerfleet",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Times the expiration scheduler woke up on a deadline.",
		},
	)
	reportsDroppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerfleet",
			Subsystem: "hardware",
			Name:      "reports_dropped_total",
			Help:      "Hardware reports that matched no outstanding expectation.",
		},
		[]string{"kind"},
	)

	registry.MustRegister(
		sessionTransitionsTotal,
		sessionDurationSeconds,
		taskEventsTotal,
		schedulerRestartsTotal,
		schedulerFiresTotal,
		reportsDroppedTotal,
	)

	return &Metrics{
		registry:                registry,
		sessionTransitionsTotal: sessionTransitionsTotal,
		sessionDurationSeconds:  sessionDurationSeconds,
		taskEventsTotal:         taskEventsTotal,
		schedulerRestartsTotal:  schedulerRestartsTotal,
		schedulerFiresTotal:     schedulerFiresTotal,
		reportsDroppedTotal:     reportsDroppedTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncSessionTransition(from, to models.SessionState) {
	if m == nil {
		return
	}
	m.sessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveSessionDuration(finalState models.SessionState, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.sessionDurationSeconds.WithLabelValues(string(finalState)).Observe(seconds)
}

func (m *Metrics) IncTaskEvent(event string, target models.TaskTarget) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.taskEventsTotal.WithLabelValues(event, string(target)).Inc()
}

func (m *Metrics) IncSchedulerRestart() {
	if m == nil {
		return
	}
	m.schedulerRestartsTotal.Inc()
}

func (m *Metrics) IncSchedulerFire() {
	if m == nil {
		return
	}
	m.schedulerFiresTotal.Inc()
}

func (m *Metrics) IncReportDropped(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.reportsDroppedTotal.WithLabelValues(kind).Inc()
}

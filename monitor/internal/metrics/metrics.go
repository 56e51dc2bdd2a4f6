// Package metrics holds the Prometheus collectors of the monitor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. Create one per registry with New.
type Metrics struct {
	Cycles          *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	Deltas          *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	JobsLeased      prometheus.Counter
	JobsCompleted   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigie_source_checks_total",
				Help: "Source checks by outcome",
			},
			[]string{"status"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigie_source_check_duration_seconds",
				Help:    "Duration of one source check including persistence",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		Deltas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigie_deltas_total",
				Help: "Classified records by kind",
			},
			[]string{"kind"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigie_notifications_total",
				Help: "Notification attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		DispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigie_notification_duration_seconds",
				Help:    "Per-channel delivery latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		JobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigie_jobs_leased_total",
			Help: "Scheduled jobs leased by the runner",
		}),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigie_jobs_completed_total",
				Help: "Scheduled jobs finished by kind and outcome",
			},
			[]string{"kind", "result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigie_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigie_http_request_duration_seconds",
				Help:    "Histogram of response durations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.CycleDuration, m.Deltas, m.Dispatches, m.DispatchLatency,
			m.JobsLeased, m.JobsCompleted, m.HTTPRequests, m.HTTPDuration)
	}
	return m
}

// ObserveCheck records one finished source check.
func (m *Metrics) ObserveCheck(status string, elapsed time.Duration) {
	m.Cycles.WithLabelValues(status).Inc()
	m.CycleDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveDelta counts one classified record.
func (m *Metrics) ObserveDelta(kind string) {
	m.Deltas.WithLabelValues(kind).Inc()
}

// ObserveDispatch matches notify.Observer.
func (m *Metrics) ObserveDispatch(channel string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Dispatches.WithLabelValues(channel, result).Inc()
	m.DispatchLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// ObserveJob records one job leaving the runner.
func (m *Metrics) ObserveJob(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobsCompleted.WithLabelValues(kind, result).Inc()
}

// Middleware counts requests per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Package observability holds the Prometheus registry of the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the HTTP and floor metrics of the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	linesTerminal  *prometheus.CounterVec
	countMismatch  *prometheus.CounterVec
	leaseTakeovers *prometheus.CounterVec
	ledgerChecked  prometheus.Gauge
	ledgerDrift    prometheus.Gauge
	ledgerVerified prometheus.Gauge
}

// NewMetrics initialises the registry and its collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorops_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floorops_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorops_lines_terminal_total",
		Help: "Demand lines closed, by origin and terminal state.",
	}, []string{"origin", "state"})
	mismatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorops_count_mismatch_total",
		Help: "Blind counts outside tolerance, by origin and attempt.",
	}, []string{"origin", "attempt"})
	takeovers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floorops_lease_takeovers_total",
		Help: "Explicit takeovers of a line held by another station.",
	}, []string{"origin"})
	checked := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floorops_ledger_verify_checked",
		Help: "Positions checked by the last ledger verification.",
	})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floorops_ledger_drift_positions",
		Help: "Positions whose projection disagreed with the replay in the last verification.",
	})
	verified := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floorops_ledger_verify_timestamp_seconds",
		Help: "Unix time of the last ledger verification.",
	})
	registry.MustRegister(
		requests, duration, terminal, mismatch, takeovers, checked, drift, verified,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		linesTerminal:   terminal,
		countMismatch:   mismatch,
		leaseTakeovers:  takeovers,
		ledgerChecked:   checked,
		ledgerDrift:     drift,
		ledgerVerified:  verified,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for package-specific collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// LineTerminal counts a closed demand line.
func (m *Metrics) LineTerminal(origin, state string) {
	if m == nil {
		return
	}
	m.linesTerminal.WithLabelValues(origin, state).Inc()
}

// CountMismatch counts a blind count outside tolerance.
func (m *Metrics) CountMismatch(origin string, attempt int) {
	if m == nil {
		return
	}
	m.countMismatch.WithLabelValues(origin, strconv.Itoa(attempt)).Inc()
}

// LineTakeover counts an explicit lease takeover.
func (m *Metrics) LineTakeover(origin string) {
	if m == nil {
		return
	}
	m.leaseTakeovers.WithLabelValues(origin).Inc()
}

// LedgerVerified records the outcome of a verification pass.
func (m *Metrics) LedgerVerified(checked, drifted int) {
	if m == nil {
		return
	}
	m.ledgerChecked.Set(float64(checked))
	m.ledgerDrift.Set(float64(drifted))
	m.ledgerVerified.SetToCurrentTime()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

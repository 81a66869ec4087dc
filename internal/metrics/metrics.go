// Package metrics exposes Prometheus counters for dispatches, session state and
// API requests on a registry owned by the process.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topicexec"

// Metrics is safe for concurrent use. A nil *Metrics discards observations.
type Metrics struct {
	registry *prometheus.Registry

	dispatches *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	listening  *prometheus.GaugeVec
	reqs       *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Messages handled, by connection and outcome.",
		}, []string{"connection", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of the external command per message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connection"}),
		listening: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_listening",
			Help:      "1 while the connection's session is listening, 0 otherwise.",
		}, []string{"connection"}),
		reqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests.",
		}, []string{"status", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status", "method", "path"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches,
		m.duration,
		m.listening,
		m.reqs,
		m.latency,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDispatch records one handled message.
func (m *Metrics) ObserveDispatch(connection, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(connection, status).Inc()
	if d > 0 {
		m.duration.WithLabelValues(connection).Observe(d.Seconds())
	}
}

// SetListening flips the listening gauge for a connection.
func (m *Metrics) SetListening(connection string, listening bool) {
	if m == nil {
		return
	}
	v := 0.0
	if listening {
		v = 1
	}
	m.listening.WithLabelValues(connection).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by chi route pattern so path parameters do not
// explode the label space.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.RoutePatterns) > 0 {
			path = strings.ReplaceAll(strings.Join(rctx.RoutePatterns, ""), "/*/", "/")
		}
		code := strconv.Itoa(ww.Status())
		m.reqs.WithLabelValues(code, r.Method, path).Inc()
		m.latency.WithLabelValues(code, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

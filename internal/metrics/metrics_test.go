package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDispatch(t *testing.T) {
	m := New()
	m.ObserveDispatch("Orders", "dispatched", 20*time.Millisecond)
	m.ObserveDispatch("Orders", "dispatched", 0)
	m.ObserveDispatch("Orders", "failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("Orders", "dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("Orders", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestSetListening(t *testing.T) {
	m := New()
	m.SetListening("A", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listening.WithLabelValues("A")))
	m.SetListening("A", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.listening.WithLabelValues("A")))
}

func TestNilMetricsDiscards(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch("A", "failed", time.Second)
		m.SetListening("A", true)
	})
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.Middleware(h))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/sessions/{list}/dispatches", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	for _, list := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+list+"/dispatches", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reqs.WithLabelValues("418", "GET", "/sessions/{list}/dispatches")))

	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `topicexec_http_requests_total{method="GET",path="/sessions/{list}/dispatches",status="418"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}

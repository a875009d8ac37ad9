package metric

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/edgegate/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	}, []string{"result"})

	require.NoError(t, registry.RegisterCounterVec("test-component", "test_counter", counter))
	counter.WithLabelValues("ok").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "counter should be gathered from the prometheus registry")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("c", "dup_gauge", gauge))

	err := registry.RegisterGauge("c", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "v"}, []string{"a"})
	require.NoError(t, registry.RegisterCounterVec("c", "vec_total", vec))

	assert.True(t, registry.Unregister("c", "vec_total"))
	assert.False(t, registry.Unregister("c", "vec_total"))
	require.NoError(t, registry.RegisterCounterVec("c", "vec_total", vec))
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("request_ok", "200", "internal", 10*time.Millisecond)
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("hit")
	m.RecordRateLimit("default", "rejected")
	m.RecordAuditEvent("rate_limited", "dropped")
	m.RecordComponentHealth("store", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("request_ok", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecision.WithLabelValues("default", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditEvents.WithLabelValues("rate_limited", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ComponentUp.WithLabelValues("store")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("x", "500", "", 0)
		m.RecordCacheLookup("miss")
		m.RecordStoreError("incr")
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordCacheLookup("miss")

	srv := NewServer("", "", registry)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "edgegate_cache_lookups_total")
	assert.Equal(t, "http://:9090/metrics", srv.Address())
}

func TestServer_StartAndShutdown(t *testing.T) {
	registry := NewMetricsRegistry()
	srv := NewServer("127.0.0.1:0", "/metrics", registry)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	require.Eventually(t, func() bool {
		return !strings.HasSuffix(srv.Address(), ":0/metrics")
	}, 2*time.Second, 10*time.Millisecond)

	for range 2 {
		resp, err := http.Get(srv.Address())
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		parser := expfmt.TextParser{}
		families, err := parser.TextToMetricFamilies(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Contains(t, families, "go_goroutines")
		require.Contains(t, families, "promhttp_metric_handler_requests_total")

		codes := make([]string, 0, 3)
		for _, m := range families["promhttp_metric_handler_requests_total"].GetMetric() {
			for _, l := range m.GetLabel() {
				codes = append(codes, l.GetValue())
			}
		}
		assert.Contains(t, codes, "200")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.NoError(t, srv.Shutdown(ctx), "second shutdown is a no-op")
	assert.NoError(t, srv.Start(), "start after shutdown returns at once")
}

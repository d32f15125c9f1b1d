package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func tracedContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{})
	require.NotNil(t, m)
	assert.NotNil(t, m.httpRequestsTotal)
	assert.NotNil(t, m.keyFetchesTotal)
	assert.NotNil(t, m.keyEvictionsTotal)
}

func TestMetrics_BrokerCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	ctx := context.Background()

	m.RecordIssue(ctx, "success", time.Millisecond, 100)
	m.RecordIssue(ctx, "success", time.Millisecond, 50)
	m.RecordIssue(ctx, "error", time.Millisecond, 10)
	m.RecordFetch(ctx, "success", time.Microsecond)
	m.RecordFetch(ctx, "expired", time.Microsecond)
	m.RecordFetch(ctx, "not_found", time.Microsecond)
	m.RecordFetch(ctx, "not_found", time.Microsecond)
	m.RecordEviction("read", 1)
	m.RecordEviction("sweep", 5)
	m.RecordSweep(time.Millisecond, 3)
	m.RecordSweepFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.keysIssuedTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysIssuedTotal.WithLabelValues("error")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.plaintextBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyFetchesTotal.WithLabelValues("expired")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.keyFetchesTotal.WithLabelValues("not_found")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.keyEvictionsTotal.WithLabelValues("sweep")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tombstones))
}

func TestMetrics_WatchLiveKeys(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	live := 7
	m.WatchLiveKeys(func() int { return live })

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 7.0, gaugeValue(families, "keybroker_live_keys"))

	live = 2
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 2.0, gaugeValue(families, "keybroker_live_keys"))
}

func gaugeValue(families []*dto.MetricFamily, name string) float64 {
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}

func TestRecordHTTPRequest_Cardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(context.Background(), "GET", "/get_key/{id}", http.StatusOK, time.Millisecond, 60)
	m.RecordHTTPRequest(context.Background(), "GET", "/get_key/{id}", http.StatusNotFound, time.Millisecond, 30)
	m.RecordHTTPRequest(context.Background(), "GET", "/get_key/{id}", http.StatusOK, time.Millisecond, 60)
	m.RecordHTTPRequest(context.Background(), "GET", "unmatched", http.StatusNotFound, time.Millisecond, 19)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/get_key/{id}", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/get_key/{id}", "Not Found")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.httpRequestBytes.WithLabelValues("GET", "/get_key/{id}")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.httpRequestsTotal))
}

func TestGetExemplar(t *testing.T) {
	assert.Nil(t, getExemplar(context.Background()))

	labels := getExemplar(tracedContext(t))
	require.NotNil(t, labels)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", labels["trace_id"])
}

func TestExemplar_RecordFetch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFetch(tracedContext(t), "success", time.Microsecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if mf.GetName() != "keybroker_key_fetches_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			ex := metric.GetCounter().GetExemplar()
			if ex == nil {
				continue
			}
			for _, label := range ex.GetLabel() {
				if label.GetName() == "trace_id" && label.GetValue() == "4bf92f3577b34da6a3ce929d0e0e4736" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "expected trace_id exemplar on fetch counter")
}

func TestExemplar_Disabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableExemplars: false})
	assert.Nil(t, m.exemplar(tracedContext(t)))
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(context.Background(), "GET", "/", http.StatusOK, 100*time.Millisecond, 1024)
	m.RecordIssue(context.Background(), "success", time.Millisecond, 10)
	m.RecordFetch(context.Background(), "success", time.Microsecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"http_requests_total",
		"keybroker_keys_issued_total",
		"keybroker_key_fetches_total",
	} {
		assert.True(t, strings.Contains(body, name), "expected metrics output to contain %q", name)
	}
}

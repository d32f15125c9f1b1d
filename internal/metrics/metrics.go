package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Config controls optional metric behaviour.
type Config struct {
	// EnableExemplars attaches the active trace id to counters and histograms.
	EnableExemplars bool
}

// Metrics holds all application metrics.
type Metrics struct {
	cfg      Config
	registry prometheus.Registerer
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	keysIssuedTotal   *prometheus.CounterVec
	issueDuration     *prometheus.HistogramVec
	plaintextBytes    prometheus.Counter
	keyFetchesTotal   *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	keyEvictionsTotal *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	sweepsTotal       prometheus.Counter
	sweepFailures     prometheus.Counter
	tombstones        prometheus.Gauge
}

// NewMetrics creates metrics registered with the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.DefaultRegisterer, Config{EnableExemplars: true})
}

// NewMetricsWithRegistry creates metrics registered with reg. reg is also
// used as the gatherer for Handler when it implements prometheus.Gatherer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableExemplars: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		cfg:      cfg,
		registry: reg,
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes written in HTTP responses",
			},
			[]string{"method", "path"},
		),
		keysIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_keys_issued_total",
				Help: "Total number of issue attempts by outcome",
			},
			[]string{"outcome"},
		),
		issueDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keybroker_issue_duration_seconds",
				Help:    "Time to encrypt a payload and register its key",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"outcome"},
		),
		plaintextBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keybroker_plaintext_bytes_total",
				Help: "Total plaintext bytes encrypted",
			},
		),
		keyFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_key_fetches_total",
				Help: "Total number of key fetches by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keybroker_fetch_duration_seconds",
				Help:    "Key lookup duration in seconds",
				Buckets: []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .0025, .005},
			},
			[]string{"outcome"},
		),
		keyEvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybroker_key_evictions_total",
				Help: "Total number of keys evicted by reason",
			},
			[]string{"reason"},
		),
		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keybroker_sweep_duration_seconds",
				Help:    "Duration of sweep passes in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		sweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keybroker_sweeps_total",
				Help: "Total number of completed sweep passes",
			},
		),
		sweepFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keybroker_sweep_failures_total",
				Help: "Total number of sweep passes that failed",
			},
		),
		tombstones: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keybroker_tombstones",
				Help: "Expired key ids still remembered after the last sweep",
			},
		),
	}
}

// WatchLiveKeys registers a gauge evaluated on every scrape.
func (m *Metrics) WatchLiveKeys(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "keybroker_live_keys",
			Help: "Number of keys currently fetchable",
		},
		func() float64 { return float64(count()) },
	)
}

// RecordHTTPRequest records an HTTP request metric. route must be a bounded
// label such as a mux path template; never pass the raw request path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration, bytes int64) {
	statusText := http.StatusText(status)
	exemplar := m.exemplar(ctx)

	addCounter(m.httpRequestsTotal.WithLabelValues(method, route, statusText), 1, exemplar)
	observe(m.httpRequestDuration.WithLabelValues(method, route, statusText), duration.Seconds(), exemplar)
	m.httpRequestBytes.WithLabelValues(method, route).Add(float64(bytes))
}

// RecordIssue records an issue attempt.
func (m *Metrics) RecordIssue(ctx context.Context, outcome string, duration time.Duration, plaintextBytes int) {
	exemplar := m.exemplar(ctx)
	addCounter(m.keysIssuedTotal.WithLabelValues(outcome), 1, exemplar)
	observe(m.issueDuration.WithLabelValues(outcome), duration.Seconds(), exemplar)
	if outcome == "success" {
		m.plaintextBytes.Add(float64(plaintextBytes))
	}
}

// RecordFetch records a key lookup.
func (m *Metrics) RecordFetch(ctx context.Context, outcome string, duration time.Duration) {
	exemplar := m.exemplar(ctx)
	addCounter(m.keyFetchesTotal.WithLabelValues(outcome), 1, exemplar)
	observe(m.fetchDuration.WithLabelValues(outcome), duration.Seconds(), exemplar)
}

// RecordEviction records keys removed from the store.
func (m *Metrics) RecordEviction(reason string, count int) {
	m.keyEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordSweep records a completed sweep pass.
func (m *Metrics) RecordSweep(duration time.Duration, tombstones int) {
	m.sweepsTotal.Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.tombstones.Set(float64(tombstones))
}

// RecordSweepFailure records a failed sweep pass.
func (m *Metrics) RecordSweepFailure() {
	m.sweepFailures.Inc()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: m.cfg.EnableExemplars})
}

func (m *Metrics) exemplar(ctx context.Context) prometheus.Labels {
	if !m.cfg.EnableExemplars {
		return nil
	}
	return getExemplar(ctx)
}

// getExemplar returns trace_id exemplar labels for the span in ctx, or nil.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func addCounter(c prometheus.Counter, v float64, exemplar prometheus.Labels) {
	if exemplar != nil {
		if ea, ok := c.(prometheus.ExemplarAdder); ok {
			ea.AddWithExemplar(v, exemplar)
			return
		}
	}
	c.Add(v)
}

func observe(o prometheus.Observer, v float64, exemplar prometheus.Labels) {
	if exemplar != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, exemplar)
			return
		}
	}
	o.Observe(v)
}

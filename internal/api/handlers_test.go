package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/ephemeral-key-broker/internal/audit"
	"github.com/kenneth/ephemeral-key-broker/internal/broker"
	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
	"github.com/kenneth/ephemeral-key-broker/internal/keystore"
	"github.com/kenneth/ephemeral-key-broker/internal/metrics"
	"github.com/kenneth/ephemeral-key-broker/internal/middleware"
	"github.com/kenneth/ephemeral-key-broker/internal/render"
)

type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.Event) error { return nil }

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy pool exhausted") }

type fixture struct {
	router  *mux.Router
	clock   *testClock
	store   *keystore.Store
	sweeper *keystore.Sweeper
	audit   audit.Logger
	page    []byte
}

type fixtureOpts struct {
	random    crypto.SecureRandom
	limiter   *middleware.RateLimiter
	staticDir   string
	maxIssue    int64
	metricsPath string
	trustXFF    bool
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	logger := quietLogger()
	clock := newTestClock()

	random := o.random
	if random == nil {
		random = crypto.NewSystemRandom()
	}

	store := keystore.New(time.Minute, keystore.WithClock(clock.Now))
	sweeper := keystore.NewSweeper(store, time.Hour, logger)
	t.Cleanup(sweeper.Stop)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	b := broker.New(store, crypto.NewEncryptor(random), random, logger, broker.WithRecorder(m))

	renderer, err := render.Load("", "")
	require.NoError(t, err)

	auditLogger := audit.NewLogger(100, discardWriter{}, logger)

	opts := []Option{WithAudit(auditLogger), WithSweeper(sweeper), WithMaxIssueBytes(o.maxIssue)}
	if o.limiter != nil {
		opts = append(opts, WithRateLimiter(o.limiter))
	}
	if o.staticDir != "" {
		opts = append(opts, WithStaticDir(o.staticDir))
	}
	if o.metricsPath != "" {
		opts = append(opts, WithMetricsPath(o.metricsPath))
	}
	if o.trustXFF {
		opts = append(opts, WithTrustForwardedFor(true))
	}
	h := NewHandler(b, renderer, logger, m, opts...)

	r := mux.NewRouter()
	h.RegisterRoutes(r)

	return &fixture{
		router:  r,
		clock:   clock,
		store:   store,
		sweeper: sweeper,
		audit:   auditLogger,
		page:    renderer.Content(),
	}
}

func (f *fixture) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	return f.doWithHeader(method, target, body, nil)
}

func (f *fixture) doWithHeader(method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "192.0.2.10:40000"
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

var attrRe = regexp.MustCompile(`data-(ciphertext|iv|key-id)="([^"]*)"`)

func parsePage(t *testing.T, body string) (ciphertext, iv, id string) {
	t.Helper()
	for _, m := range attrRe.FindAllStringSubmatch(body, -1) {
		v := html.UnescapeString(m[2])
		switch m[1] {
		case "ciphertext":
			ciphertext = v
		case "iv":
			iv = v
		case "key-id":
			id = v
		}
	}
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, iv)
	require.NotEmpty(t, id)
	return ciphertext, iv, id
}

func (f *fixture) fetchKey(t *testing.T, path string) []byte {
	t.Helper()
	w := f.do("GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	key, err := crypto.DecodeBase64(decodeJSON(t, w)["key"].(string))
	require.NoError(t, err)
	return key
}

func TestRenderAndFetch_RoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do("GET", "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	ctB64, ivB64, id := parsePage(t, w.Body.String())
	assert.Len(t, id, 24)

	key := f.fetchKey(t, "/get_key/"+id)
	require.Len(t, key, crypto.KeySize)

	ciphertext, err := crypto.DecodeBase64(ctB64)
	require.NoError(t, err)
	iv, err := crypto.DecodeBase64(ivB64)
	require.NoError(t, err)
	require.Len(t, iv, crypto.IVSize)

	plaintext, err := crypto.Open(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, f.page, plaintext)
}

func TestFetch_NotConsumed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, _, id := parsePage(t, f.do("GET", "/", nil).Body.String())

	first := f.fetchKey(t, "/get_key/"+id)
	second := f.fetchKey(t, "/api/v1/keys/"+id)
	assert.Equal(t, first, second)
}

func TestFetch_Expired(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, _, id := parsePage(t, f.do("GET", "/", nil).Body.String())

	f.clock.Advance(time.Minute + time.Second)

	for i := 0; i < 2; i++ {
		w := f.do("GET", "/get_key/"+id, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Key expired", decodeJSON(t, w)["error"])
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	}
}

func TestFetch_BoundaryIsLive(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, _, id := parsePage(t, f.do("GET", "/", nil).Body.String())

	f.clock.Advance(time.Minute)
	f.fetchKey(t, "/get_key/"+id)
}

func TestFetch_Unknown(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do("GET", "/get_key/AAAAAAAAAAAAAAAAAAAAAA==", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Invalid key ID", decodeJSON(t, w)["error"])

	events := f.audit.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventTypeFetch, last.EventType)
	assert.Equal(t, "not_found", last.Outcome)
	assert.Equal(t, "192.0.2.10", last.ClientIP)
	assert.NotContains(t, last.KeyRef, "AAAA")
}

func TestFetch_AuditClientIP(t *testing.T) {
	forwarded := http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}
	lastClientIP := func(f *fixture) string {
		events := f.audit.Events()
		require.NotEmpty(t, events)
		return events[len(events)-1].ClientIP
	}

	f := newFixture(t, fixtureOpts{})
	f.doWithHeader("GET", "/get_key/AAAAAAAAAAAAAAAAAAAAAA==", nil, forwarded)
	assert.Equal(t, "192.0.2.10", lastClientIP(f))

	f = newFixture(t, fixtureOpts{trustXFF: true})
	f.doWithHeader("GET", "/get_key/AAAAAAAAAAAAAAAAAAAAAA==", nil, forwarded)
	assert.Equal(t, "203.0.113.7", lastClientIP(f))
}

func TestIssueAPI_WithPlaintext(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do("POST", "/api/v1/keys", strings.NewReader(`{"plaintext":"hello, broker"}`))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeJSON(t, w)
	assert.EqualValues(t, 60, resp["ttl_seconds"])
	id := resp["id"].(string)

	ciphertext, err := crypto.DecodeBase64(resp["ciphertext"].(string))
	require.NoError(t, err)
	iv, err := crypto.DecodeBase64(resp["iv"].(string))
	require.NoError(t, err)

	key := f.fetchKey(t, "/api/v1/keys/"+id)
	plaintext, err := crypto.Open(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, "hello, broker", string(plaintext))
}

func TestIssueAPI_EmptyPlaintext(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do("POST", "/api/v1/keys", strings.NewReader(`{"plaintext":""}`))
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeJSON(t, w)
	ciphertext, err := crypto.DecodeBase64(resp["ciphertext"].(string))
	require.NoError(t, err)
	assert.Len(t, ciphertext, 16)
}

func TestIssueAPI_DefaultsToPage(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do("POST", "/api/v1/keys", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decodeJSON(t, w)
	ciphertext, _ := crypto.DecodeBase64(resp["ciphertext"].(string))
	iv, _ := crypto.DecodeBase64(resp["iv"].(string))
	key := f.fetchKey(t, "/get_key/"+resp["id"].(string))

	plaintext, err := crypto.Open(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, f.page, plaintext)
}

func TestIssueAPI_BadRequests(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxIssue: 64})

	w := f.do("POST", "/api/v1/keys", strings.NewReader(`{"plaintext":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	big := `{"plaintext":"` + strings.Repeat("a", 128) + `"}`
	w = f.do("POST", "/api/v1/keys", strings.NewReader(big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.Equal(t, 0, f.store.Len())
}

func TestIssue_EntropyFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{random: crypto.NewReaderRandom(failingReader{})})

	w := f.do("GET", "/", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decodeJSON(t, w)["error"])

	w = f.do("POST", "/api/v1/keys", bytes.NewReader(nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "error", events[0].Outcome)
	assert.Empty(t, events[0].KeyRef)
}

func TestFetch_RateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(0.001, 2, time.Minute, quietLogger())
	t.Cleanup(rl.Close)
	f := newFixture(t, fixtureOpts{limiter: rl})

	_, _, id := parsePage(t, f.do("GET", "/", nil).Body.String())

	assert.Equal(t, http.StatusOK, f.do("GET", "/get_key/"+id, nil).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/api/v1/keys/"+id, nil).Code)

	w := f.do("GET", "/get_key/"+id, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Rendering is not throttled.
	assert.Equal(t, http.StatusOK, f.do("GET", "/", nil).Code)
}

func TestStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0o700))
	f := newFixture(t, fixtureOpts{staticDir: dir})

	w := f.do("GET", "/static/app.js", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "console.log(1)", w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/static/missing.js", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/static/empty/", nil).Code)
}

func TestReadyTracksSweeper(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/ready", nil).Code)

	f.sweeper.Start()
	assert.Equal(t, http.StatusOK, f.do("GET", "/ready", nil).Code)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.do("GET", "/", nil)

	assert.Equal(t, http.StatusOK, f.do("GET", "/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do("GET", "/live", nil).Code)

	w := f.do("GET", "/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeJSON(t, w)
	assert.EqualValues(t, 60, info["ttl_seconds"])
	assert.EqualValues(t, 3600, info["sweep_interval_seconds"])
	assert.EqualValues(t, 1, info["live_keys"])
	assert.Equal(t, crypto.Algorithm, info["algorithm"])
	assert.Contains(t, info, "aes_hardware_support")

	w = f.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keybroker_keys_issued_total")
}

func TestMetricsPath(t *testing.T) {
	f := newFixture(t, fixtureOpts{metricsPath: "/internal/metrics"})

	w := f.do("GET", "/internal/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keybroker_plaintext_bytes_total")

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/metrics", nil).Code)
}

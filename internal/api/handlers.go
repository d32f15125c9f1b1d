package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/ephemeral-key-broker/internal/audit"
	"github.com/kenneth/ephemeral-key-broker/internal/broker"
	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
	"github.com/kenneth/ephemeral-key-broker/internal/keystore"
	"github.com/kenneth/ephemeral-key-broker/internal/metrics"
	"github.com/kenneth/ephemeral-key-broker/internal/middleware"
	"github.com/kenneth/ephemeral-key-broker/internal/render"
)

// Wire messages for fetch failures. Expired and unknown ids share a status
// code but keep distinct messages.
const (
	msgInvalidKeyID = "Invalid key ID"
	msgKeyExpired   = "Key expired"
	msgInternal     = "Internal server error"
)

// DefaultMaxIssueBytes caps plaintext accepted by the issue API.
const DefaultMaxIssueBytes int64 = 1 << 20

// Handler serves encrypted pages and their keys.
type Handler struct {
	broker        *broker.Broker
	renderer      *render.Renderer
	logger        *logrus.Logger
	metrics       *metrics.Metrics
	audit         audit.Logger
	limiter       *middleware.RateLimiter
	sweeper       *keystore.Sweeper
	staticDir     string
	maxIssueBytes int64
	metricsPath   string

	trustForwarded bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithAudit records issue and fetch events.
func WithAudit(l audit.Logger) Option {
	return func(h *Handler) {
		h.audit = l
	}
}

// WithRateLimiter throttles the key fetch routes.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(h *Handler) {
		h.limiter = rl
	}
}

// WithSweeper makes readiness depend on the sweeper and reports its interval in /info.
func WithSweeper(s *keystore.Sweeper) Option {
	return func(h *Handler) {
		h.sweeper = s
	}
}

// WithStaticDir serves files under /static/ from dir.
func WithStaticDir(dir string) Option {
	return func(h *Handler) {
		h.staticDir = dir
	}
}

// WithMaxIssueBytes caps the issue API request body.
func WithMaxIssueBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxIssueBytes = n
		}
	}
}

// WithMetricsPath serves the Prometheus handler at p instead of /metrics.
func WithMetricsPath(p string) Option {
	return func(h *Handler) {
		if p != "" {
			h.metricsPath = p
		}
	}
}

// WithTrustForwardedFor records the first X-Forwarded-For hop as the audit
// client address. Match the rate limiter's setting.
func WithTrustForwardedFor(trust bool) Option {
	return func(h *Handler) {
		h.trustForwarded = trust
	}
}

// NewHandler creates a new API handler. m may be nil when metrics are disabled.
func NewHandler(b *broker.Broker, renderer *render.Renderer, logger *logrus.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{
		broker:        b,
		renderer:      renderer,
		logger:        logger,
		metrics:       m,
		audit:         audit.Nop{},
		maxIssueBytes: DefaultMaxIssueBytes,
		metricsPath:   "/metrics",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readinessChecks()...)).Methods("GET")
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")
	r.HandleFunc("/info", h.handleInfo).Methods("GET")
	if h.metrics != nil {
		r.Handle(h.metricsPath, h.metrics.Handler()).Methods("GET")
	}

	r.HandleFunc("/", h.handleRender).Methods("GET")

	fetch := h.limited(http.HandlerFunc(h.handleGetKey))
	r.Handle("/get_key/{id}", fetch).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/keys", h.handleIssue).Methods("POST")
	api.Handle("/keys/{id}", fetch).Methods("GET")

	if h.staticDir != "" {
		fs := http.FileServer(noListingFS{http.Dir(h.staticDir)})
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", fs)).Methods("GET", "HEAD")
	}
}

func (h *Handler) limited(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(next)
}

func (h *Handler) readinessChecks() []metrics.ReadinessCheck {
	if h.sweeper == nil {
		return nil
	}
	return []metrics.ReadinessCheck{{
		Name: "sweeper",
		Check: func(context.Context) error {
			if !h.sweeper.Running() {
				return errors.New("sweeper not running")
			}
			return nil
		},
	}}
}

// handleRender issues a key for the configured page and returns the wrapper.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	issued, err := h.broker.Issue(r.Context(), h.renderer.Content())
	h.auditIssue(r, issued, err, time.Since(start), "render")
	if err != nil {
		h.logger.WithError(err).WithField("request_id", middleware.RequestIDFromContext(r.Context())).
			Error("Failed to issue key for page")
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err = h.renderer.Render(w, render.PageData{
		Ciphertext: crypto.EncodeBase64(issued.Ciphertext),
		IV:         crypto.EncodeBase64(issued.IV),
		KeyID:      issued.ID,
		FetchPath:  render.DefaultFetchPath,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to render page")
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
	}
}

type issueRequest struct {
	Plaintext *string `json:"plaintext"`
}

type issueResponse struct {
	ID         string `json:"id"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// handleIssue encrypts the request plaintext, or the configured page when
// the body is empty or has no plaintext field.
func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req issueRequest
	body := http.MaxBytesReader(w, r.Body, h.maxIssueBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	plaintext := h.renderer.Content()
	source := "page"
	if req.Plaintext != nil {
		plaintext = []byte(*req.Plaintext)
		source = "request"
	}

	issued, err := h.broker.Issue(r.Context(), plaintext)
	h.auditIssue(r, issued, err, time.Since(start), source)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", middleware.RequestIDFromContext(r.Context())).
			Error("Failed to issue key")
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	writeJSON(w, http.StatusCreated, issueResponse{
		ID:         issued.ID,
		Ciphertext: crypto.EncodeBase64(issued.Ciphertext),
		IV:         crypto.EncodeBase64(issued.IV),
		TTLSeconds: int(h.broker.TTL() / time.Second),
	})
}

type keyResponse struct {
	Key string `json:"key"`
}

// handleGetKey returns the key for a live id.
func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]

	key, err := h.broker.Fetch(r.Context(), id)
	outcome := broker.Classify(err)
	h.audit.LogFetch(broker.KeyRef(id), string(outcome), h.requestInfo(r), time.Since(start))

	w.Header().Set("Cache-Control", "no-store")
	switch outcome {
	case broker.OutcomeSuccess:
		writeJSON(w, http.StatusOK, keyResponse{Key: crypto.EncodeBase64(key)})
		crypto.Wipe(key)
	case broker.OutcomeExpired:
		writeJSONError(w, http.StatusNotFound, msgKeyExpired)
	case broker.OutcomeNotFound:
		writeJSONError(w, http.StatusNotFound, msgInvalidKeyID)
	default:
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
	}
}

// handleInfo reports non-secret runtime parameters.
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":     metrics.Version(),
		"ttl_seconds": int(h.broker.TTL() / time.Second),
		"live_keys":   h.broker.LiveKeys(),
	}
	if h.sweeper != nil {
		info["sweep_interval_seconds"] = int(h.sweeper.Interval() / time.Second)
		info["sweeper_running"] = h.sweeper.Running()
	}
	for k, v := range crypto.HardwareInfo() {
		info[k] = v
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) auditIssue(r *http.Request, issued *broker.Issued, err error, d time.Duration, source string) {
	keyRef := ""
	metadata := map[string]interface{}{"source": source}
	if issued != nil {
		keyRef = broker.KeyRef(issued.ID)
		metadata["ciphertext_bytes"] = len(issued.Ciphertext)
	}
	h.audit.LogIssue(keyRef, crypto.Algorithm, h.requestInfo(r), err, d, metadata)
}

func (h *Handler) requestInfo(r *http.Request) audit.RequestInfo {
	return audit.RequestInfo{
		ClientIP:  middleware.ClientIP(r, h.trustForwarded),
		UserAgent: r.UserAgent(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// noListingFS hides directory listings: a directory is only served when it
// has an index.html.
type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.IsDir() {
		index, err := n.fs.Open(path.Join(name, "index.html"))
		if err != nil {
			f.Close()
			return nil, os.ErrNotExist
		}
		index.Close()
	}
	return f, nil
}

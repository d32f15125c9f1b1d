// Package audit records key lifecycle events (issue, fetch, eviction).
//
// Events never carry key material or raw key ids, only a short fingerprint
// (see broker.KeyRef).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/ephemeral-key-broker/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeIssue is a key being minted for an encrypted rendering.
	EventTypeIssue EventType = "issue"
	// EventTypeFetch is a client requesting a key.
	EventTypeFetch EventType = "fetch"
	// EventTypeEvict is key material being removed from the store.
	EventTypeEvict EventType = "evict"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	KeyRef    string                 `json:"key_ref,omitempty"`
	Outcome   string                 `json:"outcome"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Algorithm string                 `json:"algorithm,omitempty"`
	Count     int                    `json:"count,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ns,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// RequestInfo is the caller context attached to issue and fetch events.
type RequestInfo struct {
	ClientIP  string
	UserAgent string
	RequestID string
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an arbitrary event.
	Log(event *Event) error

	// LogIssue records a key issuance attempt.
	LogIssue(keyRef, algorithm string, req RequestInfo, err error, duration time.Duration, metadata map[string]interface{})

	// LogFetch records a key fetch and its outcome.
	LogFetch(keyRef, outcome string, req RequestInfo, duration time.Duration)

	// LogEviction records count keys evicted for reason.
	LogEviction(reason string, count int)

	// Events returns the buffered events, oldest first.
	Events() []*Event

	// Close flushes and closes the underlying writer.
	Close() error
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

type auditLogger struct {
	mu             sync.Mutex
	events         []*Event
	maxEvents      int
	writer         EventWriter
	redactPatterns []string
	logger         *logrus.Logger
}

// NewLogger creates an audit logger keeping the last maxEvents in memory.
func NewLogger(maxEvents int, writer EventWriter, logger *logrus.Logger) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil, logger)
}

// NewLoggerWithRedaction creates an audit logger that replaces metadata
// values whose keys match any of the glob patterns (e.g. "client_*").
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactPatterns []string, logger *logrus.Logger) Logger {
	if writer == nil {
		writer = NewStdoutSink()
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &auditLogger{
		events:         make([]*Event, 0, maxEvents),
		maxEvents:      maxEvents,
		writer:         writer,
		redactPatterns: redactPatterns,
		logger:         logger,
	}
}

// NewLoggerFromConfig creates an audit logger from configuration. It returns
// a Nop logger when auditing is disabled.
func NewLoggerFromConfig(cfg config.AuditConfig, logger *logrus.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}

	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		fs, err := NewFileSink(cfg.Sink.FilePath)
		if err != nil {
			return nil, err
		}
		writer = fs
	case "stdout", "":
		writer = NewStdoutSink()
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff, logger)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys, logger), nil
}

// Log records an event. Writer failures are logged, not returned, so that
// auditing problems never fail a key operation.
func (l *auditLogger) Log(event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Metadata = l.redactMetadata(event.Metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.WriteEvent(event); err != nil {
		l.logger.WithError(err).WithField("event_type", event.EventType).Warn("Failed to write audit event")
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) LogIssue(keyRef, algorithm string, req RequestInfo, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		EventType: EventTypeIssue,
		KeyRef:    keyRef,
		Outcome:   "success",
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Algorithm: algorithm,
		Duration:  duration,
		Metadata:  metadata,
	}
	if err != nil {
		event.Outcome = "error"
		event.Error = err.Error()
	}
	l.Log(event)
}

func (l *auditLogger) LogFetch(keyRef, outcome string, req RequestInfo, duration time.Duration) {
	l.Log(&Event{
		EventType: EventTypeFetch,
		KeyRef:    keyRef,
		Outcome:   outcome,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Duration:  duration,
	})
}

func (l *auditLogger) LogEviction(reason string, count int) {
	l.Log(&Event{
		EventType: EventTypeEvict,
		Outcome:   reason,
		Count:     count,
	})
}

func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata returns metadata with matching keys replaced. The input map
// is never modified.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactPatterns) == 0 || len(metadata) == 0 {
		return metadata
	}

	var clone map[string]interface{}
	for k := range metadata {
		if !l.shouldRedact(k) {
			continue
		}
		if clone == nil {
			clone = make(map[string]interface{}, len(metadata))
			for ck, cv := range metadata {
				clone[ck] = cv
			}
		}
		clone[k] = "[REDACTED]"
	}
	if clone == nil {
		return metadata
	}
	return clone
}

func (l *auditLogger) shouldRedact(key string) bool {
	for _, pattern := range l.redactPatterns {
		if glob.Glob(pattern, key) {
			return true
		}
	}
	return false
}

// Nop discards all events.
type Nop struct{}

func (Nop) Log(*Event) error { return nil }

func (Nop) LogIssue(string, string, RequestInfo, error, time.Duration, map[string]interface{}) {}

func (Nop) LogFetch(string, string, RequestInfo, time.Duration) {}

func (Nop) LogEviction(string, int) {}

func (Nop) Events() []*Event { return nil }

func (Nop) Close() error { return nil }

// StdoutSink writes one JSON event per line to stdout.
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing to os.Stdout.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(os.Stdout)}
}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	return nil
}

// Package broker mints encrypted renderings and serves their keys while they are live.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
	"github.com/kenneth/ephemeral-key-broker/internal/keystore"
)

const tracerName = "github.com/kenneth/ephemeral-key-broker/internal/broker"

// Re-exported so callers need not import keystore to classify errors.
var (
	ErrNotFound    = keystore.ErrNotFound
	ErrExpired     = keystore.ErrExpired
	ErrDuplicateID = keystore.ErrDuplicateID
	ErrEntropy     = crypto.ErrEntropy
)

// Outcome labels the result of an Issue or Fetch for logs and metrics.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeExpired  Outcome = "expired"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
)

// Classify maps an error returned by Issue or Fetch to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrExpired):
		return OutcomeExpired
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// Recorder receives per-operation observations. metrics.Metrics satisfies it.
type Recorder interface {
	RecordIssue(ctx context.Context, outcome string, duration time.Duration, plaintextBytes int)
	RecordFetch(ctx context.Context, outcome string, duration time.Duration)
}

// Issued is what a caller needs to deliver an encrypted rendering.
type Issued struct {
	ID         string
	Ciphertext []byte
	IV         []byte
	IssuedAt   time.Time
}

// Broker ties the encryptor to the key store.
type Broker struct {
	store     *keystore.Store
	encryptor crypto.Encryptor
	random    crypto.SecureRandom
	logger    *logrus.Logger
	recorder  Recorder
	tracer    trace.Tracer
}

// Option configures a Broker.
type Option func(*Broker)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		b.recorder = r
	}
}

// WithTracer overrides the tracer, which otherwise comes from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		b.tracer = t
	}
}

// New creates a Broker. The random source is used for key ids; the encryptor
// draws its own keys and ivs.
func New(store *keystore.Store, encryptor crypto.Encryptor, random crypto.SecureRandom, logger *logrus.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Broker{
		store:     store,
		encryptor: encryptor,
		random:    random,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TTL returns how long issued keys remain fetchable.
func (b *Broker) TTL() time.Duration {
	return b.store.TTL()
}

// LiveKeys returns the number of keys currently fetchable.
func (b *Broker) LiveKeys() int {
	return b.store.Len()
}

// Issue encrypts plaintext under a fresh key, registers the key under a
// fresh id and returns the id, ciphertext and iv. The key itself is only
// retrievable through Fetch.
func (b *Broker) Issue(ctx context.Context, plaintext []byte) (*Issued, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Issue", trace.WithAttributes(
		attribute.Int("plaintext.bytes", len(plaintext)),
	))
	defer span.End()
	start := time.Now()

	issued, err := b.issue(plaintext)
	b.observeIssue(ctx, err, time.Since(start), len(plaintext))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issue failed")
		b.logger.WithError(err).Error("Failed to issue key")
		return nil, err
	}

	span.SetAttributes(attribute.String("key.ref", KeyRef(issued.ID)))
	b.logger.WithFields(logrus.Fields{
		"key_ref":         KeyRef(issued.ID),
		"ciphertext_size": len(issued.Ciphertext),
	}).Debug("Issued key")
	return issued, nil
}

func (b *Broker) issue(plaintext []byte) (*Issued, error) {
	sealed, err := b.encryptor.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	// The store keeps its own copy of the key.
	defer crypto.Wipe(sealed.Key)

	id, err := crypto.NewKeyID(b.random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}

	entry := &keystore.Entry{
		ID:       id,
		Key:      sealed.Key,
		IV:       sealed.IV,
		IssuedAt: b.store.Now(),
	}
	if err := b.store.Put(entry); err != nil {
		return nil, fmt.Errorf("failed to register key: %w", err)
	}

	return &Issued{
		ID:         id,
		Ciphertext: sealed.Ciphertext,
		IV:         append([]byte(nil), sealed.IV...),
		IssuedAt:   entry.IssuedAt,
	}, nil
}

// Fetch returns the key registered under id. It returns an error matching
// ErrNotFound when the id was never issued and ErrExpired when it aged out.
// Keys are not consumed by a successful fetch.
func (b *Broker) Fetch(ctx context.Context, id string) ([]byte, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Fetch", trace.WithAttributes(
		attribute.String("key.ref", KeyRef(id)),
	))
	defer span.End()
	start := time.Now()

	entry, err := b.store.Get(id)
	outcome := Classify(err)
	if b.recorder != nil {
		b.recorder.RecordFetch(ctx, string(outcome), time.Since(start))
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	fields := logrus.Fields{"key_ref": KeyRef(id), "outcome": outcome}
	if err != nil {
		if outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			b.logger.WithError(err).WithFields(fields).Error("Key fetch failed")
		} else {
			b.logger.WithFields(fields).Info("Key fetch rejected")
		}
		return nil, fmt.Errorf("fetch %s: %w", KeyRef(id), err)
	}

	b.logger.WithFields(fields).Debug("Key fetched")
	return entry.Key, nil
}

func (b *Broker) observeIssue(ctx context.Context, err error, d time.Duration, n int) {
	if b.recorder == nil {
		return
	}
	b.recorder.RecordIssue(ctx, string(Classify(err)), d, n)
}

// KeyRef returns a short non-reversible fingerprint of a key id, safe to put
// in logs, traces and audit records in place of the id itself.
func KeyRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:6])
}

// Package keystore holds issued keys in memory for a bounded time.
//
// All access to the backing map goes through one mutex. Expiry on read and
// bulk sweeping both run under that lock, so a reader can never observe an
// entry the sweeper is in the middle of removing, and every caller evaluates
// the same expiry predicate against the same clock.
package keystore

import (
	"errors"
	"sync"
	"time"

	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
)

var (
	// ErrNotFound means the id was never issued (or its tombstone has been purged).
	ErrNotFound = errors.New("key not found")
	// ErrExpired means the id was issued but is older than the TTL.
	ErrExpired = errors.New("key expired")
	// ErrDuplicateID means Put was called with an id that is already present.
	// Ids carry 128 bits of entropy, so this indicates a bug.
	ErrDuplicateID = errors.New("duplicate key id")
)

// EvictReason says what removed key material from the store.
type EvictReason string

const (
	// EvictRead is an eviction triggered by a lookup that found the entry expired.
	EvictRead EvictReason = "read"
	// EvictSweep is an eviction performed by a sweep pass.
	EvictSweep EvictReason = "sweep"
)

// SweepStats summarizes a single Sweep call.
type SweepStats struct {
	Evicted    int // live entries whose key material was removed
	Purged     int // tombstones dropped from the map
	Live       int // live entries remaining
	Tombstones int // tombstones remaining
}

// slot is a map value. Once evicted the entry keeps only its id and
// issuance time so later lookups can still answer ErrExpired.
type slot struct {
	entry   *Entry
	evicted bool
}

// Store is a concurrency-safe, TTL-bounded map from key id to Entry.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*slot
	live      int
	ttl       time.Duration
	tombstone time.Duration
	now       func() time.Time
	onEvict   func(reason EvictReason, count int)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Used by tests to move time deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTombstoneRetention sets how long an evicted id keeps answering
// ErrExpired after it has aged out. Zero means "same as the TTL".
func WithTombstoneRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tombstone = d
		}
	}
}

// WithEvictionHook registers fn to be called after key material is removed.
// The hook runs outside the store lock.
func WithEvictionHook(fn func(reason EvictReason, count int)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New creates a store whose entries live for ttl.
func New(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]*slot),
		ttl:       ttl,
		tombstone: ttl,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store's notion of the current time. Callers stamping
// IssuedAt must use this so issuance and expiry share one clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Put inserts a copy of entry under entry.ID.
func (s *Store) Put(entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return errors.New("entry must have an id")
	}
	c := entry.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[c.ID]; exists {
		crypto.Wipe(c.Key)
		return ErrDuplicateID
	}
	s.entries[c.ID] = &slot{entry: c}
	s.live++
	return nil
}

// Get returns a copy of the live entry for id. If the entry has aged past
// the TTL its key material is removed in the same critical section and
// ErrExpired is returned; an expired entry is never handed out.
func (s *Store) Get(id string) (*Entry, error) {
	e, evicted, err := s.get(id)
	if evicted {
		s.notify(EvictRead, 1)
	}
	return e, err
}

func (s *Store) get(id string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.entries[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if sl.evicted {
		return nil, false, ErrExpired
	}
	if sl.entry.IsExpired(s.now(), s.ttl) {
		s.evictLocked(sl)
		return nil, true, ErrExpired
	}
	return sl.entry.clone(), false, nil
}

// Sweep evicts every live entry older than the TTL at now and purges
// tombstones older than TTL plus the tombstone retention. Calling it again
// with the same now is a no-op.
func (s *Store) Sweep(now time.Time) SweepStats {
	stats := s.sweep(now)
	if stats.Evicted > 0 {
		s.notify(EvictSweep, stats.Evicted)
	}
	return stats
}

func (s *Store) sweep(now time.Time) SweepStats {
	var stats SweepStats

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sl := range s.entries {
		age := sl.entry.Age(now)
		if age <= s.ttl {
			continue
		}
		if !sl.evicted {
			s.evictLocked(sl)
			stats.Evicted++
		}
		if age > s.ttl+s.tombstone {
			delete(s.entries, id)
			stats.Purged++
		}
	}
	stats.Live = s.live
	stats.Tombstones = len(s.entries) - s.live
	return stats
}

// Len returns the number of live (non-evicted) entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// evictLocked drops key material and turns the slot into a tombstone.
// Caller must hold the lock.
func (s *Store) evictLocked(sl *slot) {
	crypto.Wipe(sl.entry.Key)
	crypto.Wipe(sl.entry.IV)
	sl.entry.Key = nil
	sl.entry.IV = nil
	sl.evicted = true
	s.live--
}

func (s *Store) notify(reason EvictReason, count int) {
	if s.onEvict != nil {
		s.onEvict(reason, count)
	}
}

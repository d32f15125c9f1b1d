package keystore

import "time"

// Entry is one issued key. Entries are immutable once inserted; the store
// hands out copies so callers can never alias the stored key material.
type Entry struct {
	ID       string
	Key      []byte
	IV       []byte
	IssuedAt time.Time
}

// Age returns how long ago the entry was issued relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.IssuedAt)
}

// IsExpired reports whether the entry is past ttl at now.
// An entry exactly ttl old is still live.
func (e *Entry) IsExpired(now time.Time, ttl time.Duration) bool {
	return e.Age(now) > ttl
}

func (e *Entry) clone() *Entry {
	c := &Entry{ID: e.ID, IssuedAt: e.IssuedAt}
	if e.Key != nil {
		c.Key = append([]byte(nil), e.Key...)
	}
	if e.IV != nil {
		c.IV = append([]byte(nil), e.IV...)
	}
	return c
}

package keystore

import (
	"sync/atomic"
	"time"
)

// fakeClock is a monotonic, manually advanced clock safe for concurrent use.
type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

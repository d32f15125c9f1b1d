package keystore

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval is the period between sweep passes.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically calls Store.Sweep to bound memory. It carries no
// correctness duty; Store.Get alone guarantees expired keys are never served.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *logrus.Logger

	onSweep   func(stats SweepStats, duration time.Duration)
	onFailure func(err error)

	closeChan chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	ticks     atomic.Int64
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepHook is called after every successful pass.
func WithSweepHook(fn func(stats SweepStats, duration time.Duration)) SweeperOption {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

// WithFailureHook is called when a pass panics. The sweeper keeps running.
func WithFailureHook(fn func(err error)) SweeperOption {
	return func(s *Sweeper) {
		s.onFailure = fn
	}
}

// NewSweeper creates a sweeper for store. A non-positive interval falls back
// to DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration, logger *logrus.Logger, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Sweeper{
		store:     store,
		interval:  interval,
		logger:    logger,
		closeChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. Subsequent calls do nothing.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		s.wg.Add(1)
		go s.run()
	})
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.closeChan)
		s.wg.Wait()
		s.running.Store(false)
	})
}

// Running reports whether the loop has been started and not yet stopped.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Ticks returns the number of passes attempted so far.
func (s *Sweeper) Ticks() int64 {
	return s.ticks.Load()
}

// Interval returns the sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

func (s *Sweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"interval": s.interval.String(),
		"ttl":      s.store.TTL().String(),
	}).Info("Key sweeper started")

	for {
		select {
		case <-ticker.C:
			if err := s.tick(); err != nil {
				s.logger.WithError(err).Error("Key sweep failed, will retry next tick")
				if s.onFailure != nil {
					s.onFailure(err)
				}
			}
		case <-s.closeChan:
			s.logger.Info("Key sweeper stopped")
			return
		}
	}
}

// tick runs one pass, converting a panic into an error so the loop survives.
func (s *Sweeper) tick() (err error) {
	s.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sweep: %v", r)
			s.logger.WithField("stack", string(debug.Stack())).Debug("Sweep panic stack")
		}
	}()

	start := time.Now()
	stats := s.store.Sweep(s.store.Now())
	duration := time.Since(start)

	if stats.Evicted > 0 || stats.Purged > 0 {
		s.logger.WithFields(logrus.Fields{
			"evicted":     stats.Evicted,
			"purged":      stats.Purged,
			"live":        stats.Live,
			"tombstones":  stats.Tombstones,
			"duration_ms": duration.Milliseconds(),
		}).Debug("Key sweep completed")
	}
	if s.onSweep != nil {
		s.onSweep(stats, duration)
	}
	return nil
}

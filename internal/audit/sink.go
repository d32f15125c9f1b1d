package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink is an interface for audit event sinks that support closing.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that can write many events at once.
type BatchWriter interface {
	WriteBatch(events []*Event) error
}

// BatchSink buffers events and flushes them to a wrapped writer when the
// buffer fills or the flush interval elapses.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*Event
	bufferSize    int
	flushInterval time.Duration
	retryCount    int
	retryBackoff  time.Duration
	logger        *logrus.Logger

	mu        sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBatchSink creates a new batched sink.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration, logger *logrus.Logger) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*Event, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		logger:        logger,
		closeChan:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// WriteEvent adds an event to the batch. A full buffer is flushed
// asynchronously so callers never wait on the wrapped writer.
func (s *BatchSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	var events []*Event
	if len(s.buffer) >= s.bufferSize {
		events = s.drainBufferLocked()
	}
	s.mu.Unlock()

	if events != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writeWithRetry(events)
		}()
	}
	return nil
}

// Close stops the flush loop, flushes remaining events and closes the wrapped sink.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
	})
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.closeChan:
			s.flush()
			return
		}
	}
}

func (s *BatchSink) flush() {
	s.mu.Lock()
	events := s.drainBufferLocked()
	s.mu.Unlock()
	if len(events) > 0 {
		s.writeWithRetry(events)
	}
}

// drainBufferLocked returns the current buffer contents and clears it.
// Caller must hold the lock.
func (s *BatchSink) drainBufferLocked() []*Event {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*Event, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []*Event) error {
	var err error
	for i := 0; i <= s.retryCount; i++ {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(events)
		} else {
			err = nil
			for _, event := range events {
				if e := s.wrapped.WriteEvent(event); e != nil {
					err = e
				}
			}
		}
		if err == nil {
			return nil
		}
		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"events":  len(events),
		"retries": s.retryCount,
	}).Error("Failed to flush audit events")
	return err
}

// HTTPSink posts events as a JSON array to an HTTP endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent writes a single event.
func (s *HTTPSink) WriteEvent(event *Event) error {
	return s.WriteBatch([]*Event{event})
}

// WriteBatch writes a batch of events.
func (s *HTTPSink) WriteBatch(events []*Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal audit events: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}
	return nil
}

// FileSink appends JSON lines to a file kept open for the life of the sink.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{f: f}, nil
}

// WriteEvent writes a single event.
func (s *FileSink) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(data)
	return err
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

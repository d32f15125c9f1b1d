package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kenneth/ephemeral-key-broker/internal/crypto"
)

// Config controls a load test run.
type Config struct {
	BrokerURL   string
	Duration    time.Duration
	Issuers     int
	Fetchers    int
	QPS         int
	PayloadSize int
	CheckExpiry bool
	Client      *http.Client
}

type issued struct {
	ID         string `json:"id"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type sample struct {
	plaintext []byte
	issued
}

// Report summarizes a run.
type Report struct {
	Issued         int
	Fetched        int
	Decrypted      int
	NotFound       int
	RateLimited    int
	Errors         int
	Mismatches     int
	ExpiryChecked  bool
	ExpiryVerified bool
	IssueLatency   Percentiles
	FetchLatency   Percentiles
	Elapsed        time.Duration
	FirstError     string
}

// Percentiles of a latency distribution.
type Percentiles struct {
	P50, P95, P99, Max time.Duration
}

// Failed reports whether the run saw errors. Rate limiting is expected under
// load and does not count.
func (r *Report) Failed() bool {
	return r.Errors > 0 || r.Mismatches > 0 || (r.ExpiryChecked && !r.ExpiryVerified)
}

// Print writes a human readable summary.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Elapsed: %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Issued: %d  Fetched: %d  Decrypted: %d\n", r.Issued, r.Fetched, r.Decrypted)
	fmt.Fprintf(w, "Not found (expected for unknown ids): %d  Rate limited: %d\n", r.NotFound, r.RateLimited)
	fmt.Fprintf(w, "Errors: %d  Mismatches: %d\n", r.Errors, r.Mismatches)
	fmt.Fprintf(w, "Issue latency p50=%v p95=%v p99=%v max=%v\n", r.IssueLatency.P50, r.IssueLatency.P95, r.IssueLatency.P99, r.IssueLatency.Max)
	fmt.Fprintf(w, "Fetch latency p50=%v p95=%v p99=%v max=%v\n", r.FetchLatency.P50, r.FetchLatency.P95, r.FetchLatency.P99, r.FetchLatency.Max)
	if r.ExpiryChecked {
		fmt.Fprintf(w, "Expiry verified: %t\n", r.ExpiryVerified)
	}
	if r.FirstError != "" {
		fmt.Fprintf(w, "First error: %s\n", r.FirstError)
	}
}

type collector struct {
	mu      sync.Mutex
	report  Report
	issueNs []time.Duration
	fetchNs []time.Duration
	pool    []sample
}

func (c *collector) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Errors++
	if c.report.FirstError == "" {
		c.report.FirstError = err.Error()
	}
}

func (c *collector) addIssued(s sample, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Issued++
	c.issueNs = append(c.issueNs, d)
	// Keep a bounded pool of recent ids for fetchers.
	if len(c.pool) >= 1024 {
		c.pool = c.pool[1:]
	}
	c.pool = append(c.pool, s)
}

func (c *collector) pick(rng *rand.Rand) (sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pool) == 0 {
		return sample{}, false
	}
	return c.pool[rng.Intn(len(c.pool))], true
}

// Run executes the load test and returns its report. An error is returned
// only when the run could not start.
func Run(ctx context.Context, cfg Config, logger *logrus.Logger) (*Report, error) {
	if cfg.Issuers <= 0 {
		return nil, errors.New("at least one issuer is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(cfg.BrokerURL, "/")

	col := &collector{}
	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Issuers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			lim := newLimiter(cfg.QPS)
			for runCtx.Err() == nil {
				if err := lim.Wait(runCtx); err != nil {
					return
				}
				issueOnce(runCtx, client, base, cfg.PayloadSize, rng, col, logger)
			}
		}(i)
	}
	for i := 0; i < cfg.Fetchers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() - int64(worker)))
			lim := newLimiter(cfg.QPS)
			for runCtx.Err() == nil {
				if err := lim.Wait(runCtx); err != nil {
					return
				}
				fetchOnce(runCtx, client, base, rng, col, logger)
			}
		}(i)
	}
	wg.Wait()

	col.mu.Lock()
	report := col.report
	report.Elapsed = time.Since(start)
	report.IssueLatency = percentiles(col.issueNs)
	report.FetchLatency = percentiles(col.fetchNs)
	var last *sample
	if len(col.pool) > 0 {
		s := col.pool[len(col.pool)-1]
		last = &s
	}
	col.mu.Unlock()

	if cfg.CheckExpiry && last != nil && ctx.Err() == nil {
		report.ExpiryChecked = true
		report.ExpiryVerified = verifyExpiry(ctx, client, base, *last, logger)
	}
	return &report, nil
}

func newLimiter(qps int) *rate.Limiter {
	if qps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(qps), 1)
}

func issueOnce(ctx context.Context, client *http.Client, base string, size int, rng *rand.Rand, col *collector, logger *logrus.Logger) {
	plaintext := make([]byte, rng.Intn(size+1))
	for i := range plaintext {
		plaintext[i] = byte('a' + rng.Intn(26))
	}
	body, _ := json.Marshal(map[string]string{"plaintext": string(plaintext)})

	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/keys", bytes.NewReader(body))
	if err != nil {
		col.fail(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			col.fail(fmt.Errorf("issue: %w", err))
		}
		return
	}
	defer resp.Body.Close()
	d := time.Since(t0)

	if resp.StatusCode != http.StatusCreated {
		col.fail(fmt.Errorf("issue: unexpected status %s", resp.Status))
		return
	}
	var out issued
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() == nil {
			col.fail(fmt.Errorf("issue: %w", err))
		}
		return
	}
	logger.WithField("ttl_seconds", out.TTLSeconds).Debug("Issued key")
	col.addIssued(sample{plaintext: plaintext, issued: out}, d)
}

// fetchOnce fetches a recently issued id and verifies decryption; one fetch
// in eight asks for an id that was never issued.
func fetchOnce(ctx context.Context, client *http.Client, base string, rng *rand.Rand, col *collector, logger *logrus.Logger) {
	s, ok := col.pick(rng)
	unknown := !ok || rng.Intn(8) == 0
	id := s.ID
	if unknown {
		raw := make([]byte, crypto.KeyIDSize)
		rng.Read(raw)
		id = "bogus" + crypto.EncodeBase64(raw)[:19]
		id = strings.NewReplacer("+", "-", "/", "_").Replace(id)
	}

	t0 := time.Now()
	status, key, msg, err := getKey(ctx, client, base, id)
	if err != nil {
		if ctx.Err() == nil {
			col.fail(fmt.Errorf("fetch: %w", err))
		}
		return
	}
	d := time.Since(t0)

	col.mu.Lock()
	col.fetchNs = append(col.fetchNs, d)
	col.report.Fetched++
	col.mu.Unlock()

	switch {
	case status == http.StatusTooManyRequests:
		col.mu.Lock()
		col.report.RateLimited++
		col.mu.Unlock()
	case unknown:
		if status != http.StatusNotFound || msg != "Invalid key ID" {
			col.fail(fmt.Errorf("unknown id: want 404 Invalid key ID, got %d %q", status, msg))
			return
		}
		col.mu.Lock()
		col.report.NotFound++
		col.mu.Unlock()
	case status == http.StatusNotFound && msg == "Key expired":
		// A long run can outlive the TTL of ids still in the pool.
		logger.Debug("Pooled key expired")
	case status != http.StatusOK:
		col.fail(fmt.Errorf("fetch: unexpected %d %q", status, msg))
	default:
		if err := verify(s, key); err != nil {
			col.mu.Lock()
			col.report.Mismatches++
			if col.report.FirstError == "" {
				col.report.FirstError = err.Error()
			}
			col.mu.Unlock()
			return
		}
		col.mu.Lock()
		col.report.Decrypted++
		col.mu.Unlock()
	}
}

func getKey(ctx context.Context, client *http.Client, base, id string) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/get_key/"+id, nil)
	if err != nil {
		return 0, "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	var out struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return resp.StatusCode, "", "", fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, out.Key, out.Error, nil
}

func verify(s sample, keyB64 string) error {
	key, err := crypto.DecodeBase64(keyB64)
	if err != nil {
		return err
	}
	ciphertext, err := crypto.DecodeBase64(s.Ciphertext)
	if err != nil {
		return err
	}
	iv, err := crypto.DecodeBase64(s.IV)
	if err != nil {
		return err
	}
	plaintext, err := crypto.Open(ciphertext, key, iv)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", s.ID[:6], err)
	}
	if !bytes.Equal(plaintext, s.plaintext) {
		return fmt.Errorf("decrypt %s: plaintext mismatch", s.ID[:6])
	}
	return nil
}

func verifyExpiry(ctx context.Context, client *http.Client, base string, s sample, logger *logrus.Logger) bool {
	wait := time.Duration(s.TTLSeconds+1) * time.Second
	logger.WithField("wait", wait).Info("Waiting for sampled key to expire")
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}

	status, _, msg, err := getKey(ctx, client, base, s.ID)
	if err != nil {
		logger.WithError(err).Error("Expiry check request failed")
		return false
	}
	ok := status == http.StatusNotFound && msg == "Key expired"
	logger.WithFields(logrus.Fields{"status": status, "message": msg}).Info("Expiry check")
	return ok
}

func percentiles(ds []time.Duration) Percentiles {
	if len(ds) == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	return Percentiles{P50: at(0.50), P95: at(0.95), P99: at(0.99), Max: sorted[len(sorted)-1]}
}

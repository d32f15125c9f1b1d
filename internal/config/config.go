// Package config loads broker configuration from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Broker     BrokerConfig    `yaml:"broker"`
	Content    ContentConfig   `yaml:"content"`
	Logging    LoggingConfig   `yaml:"logging"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Audit      AuditConfig     `yaml:"audit"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Server     ServerConfig    `yaml:"server"`
}

// BrokerConfig controls key lifetime.
//
// TTLSeconds must be at least SweepIntervalSeconds. Expired keys are never
// served regardless (reads check expiry themselves), but memory held by
// unread expired keys is only reclaimed once per sweep, so a sweep interval
// longer than the TTL would let stale entries linger for more than one TTL.
type BrokerConfig struct {
	TTLSeconds           int `yaml:"ttlSeconds"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
	// TombstoneSeconds is how long an expired id keeps answering "expired"
	// rather than "invalid". Zero means the same as TTLSeconds.
	TombstoneSeconds int `yaml:"tombstoneSeconds"`
}

// TTL returns the key time-to-live.
func (c BrokerConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the sweeper period.
func (c BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// TombstoneRetention returns how long expired ids are remembered.
func (c BrokerConfig) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneSeconds) * time.Second
}

// ContentConfig locates the protected page and its wrapper.
type ContentConfig struct {
	PagePath     string `yaml:"page_path"`
	TemplatePath string `yaml:"template_path"`
	StaticDir    string `yaml:"static_dir"`
	// MaxIssueBytes caps plaintext accepted by the JSON issue endpoint.
	MaxIssueBytes int64 `yaml:"max_issue_bytes"`
}

// LoggingConfig controls logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig throttles key fetches per client address.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// TrustForwardedFor keys clients by the first X-Forwarded-For hop
	// instead of the connection address. Enable only behind a proxy that
	// overwrites the header.
	TrustForwardedFor bool    `yaml:"trust_forwarded_for"`
}

// AuditConfig controls the audit trail of key lifecycle events.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	MaxEvents          int        `yaml:"max_events"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys"`
	Sink               SinkConfig `yaml:"sink"`
}

// SinkConfig selects where audit events go.
type SinkConfig struct {
	Type          string            `yaml:"type"` // stdout, file, http
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, otlp
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is set explicitly.
func Default() *Config {
	return &Config{
		ListenAddr: ":5000",
		Broker: BrokerConfig{
			TTLSeconds:           60,
			SweepIntervalSeconds: 30,
		},
		Content: ContentConfig{
			StaticDir:     "static",
			MaxIssueBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Audit: AuditConfig{
			MaxEvents: 1000,
			Sink:      SinkConfig{Type: "stdout"},
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "keybroker",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then a .env file in the working directory, then
// environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Load .env file if it exists (ignores error if not found)
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("KEYBROKER_LISTEN_ADDR", c.ListenAddr)

	c.Broker.TTLSeconds = getIntEnv("KEYBROKER_TTL_SECONDS", c.Broker.TTLSeconds)
	c.Broker.SweepIntervalSeconds = getIntEnv("KEYBROKER_SWEEP_INTERVAL_SECONDS", c.Broker.SweepIntervalSeconds)
	c.Broker.TombstoneSeconds = getIntEnv("KEYBROKER_TOMBSTONE_SECONDS", c.Broker.TombstoneSeconds)

	c.Content.PagePath = getEnv("KEYBROKER_PAGE_PATH", c.Content.PagePath)
	c.Content.TemplatePath = getEnv("KEYBROKER_TEMPLATE_PATH", c.Content.TemplatePath)
	c.Content.StaticDir = getEnv("KEYBROKER_STATIC_DIR", c.Content.StaticDir)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.RateLimit.Enabled = getBoolEnv("KEYBROKER_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.RequestsPerSecond = getFloatEnv("KEYBROKER_RATE_LIMIT_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = getIntEnv("KEYBROKER_RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.TrustForwardedFor = getBoolEnv("KEYBROKER_RATE_LIMIT_TRUST_XFF", c.RateLimit.TrustForwardedFor)

	c.Audit.Enabled = getBoolEnv("KEYBROKER_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.Sink.Type = getEnv("KEYBROKER_AUDIT_SINK", c.Audit.Sink.Type)
	c.Audit.Sink.Endpoint = getEnv("KEYBROKER_AUDIT_ENDPOINT", c.Audit.Sink.Endpoint)
	c.Audit.Sink.FilePath = getEnv("KEYBROKER_AUDIT_FILE", c.Audit.Sink.FilePath)

	c.Tracing.Enabled = getBoolEnv("KEYBROKER_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Exporter = getEnv("KEYBROKER_TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)

	c.Metrics.Enabled = getBoolEnv("KEYBROKER_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Path = getEnv("KEYBROKER_METRICS_PATH", c.Metrics.Path)
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Broker.TTLSeconds <= 0 {
		errs = append(errs, errors.New("broker.ttlSeconds must be positive"))
	}
	if c.Broker.SweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("broker.sweepIntervalSeconds must be positive"))
	}
	if c.Broker.TTLSeconds > 0 && c.Broker.SweepIntervalSeconds > c.Broker.TTLSeconds {
		errs = append(errs, fmt.Errorf("broker.ttlSeconds (%d) must be >= broker.sweepIntervalSeconds (%d)",
			c.Broker.TTLSeconds, c.Broker.SweepIntervalSeconds))
	}
	if c.Broker.TombstoneSeconds < 0 {
		errs = append(errs, errors.New("broker.tombstoneSeconds must not be negative"))
	}
	if c.Content.MaxIssueBytes <= 0 {
		errs = append(errs, errors.New("content.max_issue_bytes must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, errors.New("rate_limit.requests_per_second must be positive"))
		}
		if c.RateLimit.Burst <= 0 {
			errs = append(errs, errors.New("rate_limit.burst must be positive"))
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink.Type {
		case "", "stdout":
		case "file":
			if c.Audit.Sink.FilePath == "" {
				errs = append(errs, errors.New("audit.sink.file_path is required for file sink"))
			}
		case "http":
			if c.Audit.Sink.Endpoint == "" {
				errs = append(errs, errors.New("audit.sink.endpoint is required for http sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown audit.sink.type %q", c.Audit.Sink.Type))
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "otlp":
		default:
			errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Package config loads the YAML configuration file that wires together the
// channel tunables (spec.md §6's adj record), the reactor/workpool/object
// store/compression additions, and the ambient logging setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waitress-go/httpcore/internal/channel"
)

// Config is the root configuration record loaded from YAML.
type Config struct {
	Listen    string          `yaml:"listen"`
	Adj       AdjConfig       `yaml:"adj"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// IdleTimeout is a duration string ("30s", "5m"); empty disables the
	// idle-channel sweep regardless of SweepCron.
	IdleTimeout string            `yaml:"idle_timeout"`
	SweepCron   string            `yaml:"sweep_cron"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Compression CompressionConfig `yaml:"compression"`

	idleTimeoutRaw time.Duration
}

// IdleTimeoutDuration returns the resolved idle-sweep timeout.
func (c Config) IdleTimeoutDuration() time.Duration {
	return c.idleTimeoutRaw
}

// AdjConfig mirrors waitress's adj tunable record (spec.md §6), with its
// byte-size fields accepted as human-readable strings ("256kb", "1mb") and
// resolved to raw byte counts during Load.
type AdjConfig struct {
	OutbufOverflow      string `yaml:"outbuf_overflow"`
	OutbufHighWatermark string `yaml:"outbuf_high_watermark"`
	SendBytes           string `yaml:"send_bytes"`
	RecvBytes           string `yaml:"recv_bytes"`
	LogSocketErrors     bool   `yaml:"log_socket_errors"`
	ExposeTracebacks    bool   `yaml:"expose_tracebacks"`

	outbufOverflowRaw      int64
	outbufHighWatermarkRaw int64
	sendBytesRaw           int64
	recvBytesRaw           int64
}

// Channel converts the resolved byte sizes into a channel.Config.
func (a AdjConfig) Channel() channel.Config {
	return channel.Config{
		OutbufOverflow:      a.outbufOverflowRaw,
		OutbufHighWatermark: a.outbufHighWatermarkRaw,
		SendBytes:           a.sendBytesRaw,
		RecvBytes:           int(a.recvBytesRaw),
		LogSocketErrors:     a.LogSocketErrors,
		ExposeTracebacks:    a.ExposeTracebacks,
	}
}

// LoggingConfig selects slog's level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
}

// RateLimitConfig throttles the accept loop via golang.org/x/time/rate.
type RateLimitConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"` // default: 0 (unlimited)
	Burst                int     `yaml:"burst"`                  // default: 1
}

// ObjectStoreConfig configures the optional S3-compatible FileStream source.
type ObjectStoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // non-empty selects a custom (e.g. MinIO) endpoint
	UsePathStyle bool   `yaml:"use_path_style"`
}

// CompressionConfig controls AppTask's response-body gzip threshold.
type CompressionConfig struct {
	MinSize int    `yaml:"min_size"` // bytes; 0 disables compression
	Level   string `yaml:"level"`    // gzip level, "-1" to 9; empty means gzip.DefaultCompression

	levelInt int
}

// LevelInt returns the resolved compress/gzip level, defaulting to
// gzip.DefaultCompression when unset. An unparsable or out-of-range level
// makes Load fail instead.
func (c CompressionConfig) LevelInt() int {
	return c.levelInt
}

// Load reads, parses, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}

	if c.Adj.OutbufOverflow == "" {
		c.Adj.OutbufOverflow = "1mb"
	}
	overflow, err := ParseByteSize(c.Adj.OutbufOverflow)
	if err != nil {
		return fmt.Errorf("adj.outbuf_overflow: %w", err)
	}
	c.Adj.outbufOverflowRaw = overflow

	if c.Adj.OutbufHighWatermark == "" {
		c.Adj.OutbufHighWatermark = "16mb"
	}
	watermark, err := ParseByteSize(c.Adj.OutbufHighWatermark)
	if err != nil {
		return fmt.Errorf("adj.outbuf_high_watermark: %w", err)
	}
	c.Adj.outbufHighWatermarkRaw = watermark

	if c.Adj.SendBytes == "" {
		c.Adj.SendBytes = "18000b"
	}
	sendBytes, err := ParseByteSize(c.Adj.SendBytes)
	if err != nil {
		return fmt.Errorf("adj.send_bytes: %w", err)
	}
	c.Adj.sendBytesRaw = sendBytes

	if c.Adj.RecvBytes == "" {
		c.Adj.RecvBytes = "8192b"
	}
	recvBytes, err := ParseByteSize(c.Adj.RecvBytes)
	if err != nil {
		return fmt.Errorf("adj.recv_bytes: %w", err)
	}
	if recvBytes <= 0 {
		return fmt.Errorf("adj.recv_bytes must be > 0, got %s", c.Adj.RecvBytes)
	}
	c.Adj.recvBytesRaw = recvBytes

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if c.RateLimit.ConnectionsPerSecond < 0 {
		return fmt.Errorf("rate_limit.connections_per_second must be >= 0, got %v", c.RateLimit.ConnectionsPerSecond)
	}
	if c.RateLimit.ConnectionsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 1
	}

	if c.IdleTimeout != "" {
		d, err := time.ParseDuration(c.IdleTimeout)
		if err != nil {
			return fmt.Errorf("idle_timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("idle_timeout must be >= 0, got %s", c.IdleTimeout)
		}
		c.idleTimeoutRaw = d
	}
	if c.idleTimeoutRaw > 0 && c.SweepCron == "" {
		c.SweepCron = "@every 30s"
	}

	if c.ObjectStore.Enabled {
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store.bucket is required when object_store is enabled")
		}
		if c.ObjectStore.Region == "" {
			c.ObjectStore.Region = "us-east-1"
		}
	}

	if c.Compression.MinSize < 0 {
		return fmt.Errorf("compression.min_size must be >= 0, got %d", c.Compression.MinSize)
	}
	level, err := parseCompressionLevel(c.Compression.Level)
	if err != nil {
		return fmt.Errorf("compression.level: %w", err)
	}
	c.Compression.levelInt = level

	return nil
}

// gzip.DefaultCompression without importing compress/gzip here, keeping
// internal/config free of the compression library's own dependency surface.
const gzipDefaultCompression = -1

func parseCompressionLevel(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return gzipDefaultCompression, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", s, err)
	}
	if n < gzipDefaultCompression || n > 9 {
		return 0, fmt.Errorf("level %d out of range (-1 to 9)", n)
	}
	return n, nil
}

// ParseByteSize converts human-readable size strings like "256mb", "1gb",
// "18000b" into raw byte counts. Suffixes are matched longest-first so "mb"
// never matches as a trailing "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

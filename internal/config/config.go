// Package config loads steptrace configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file given by
// --config (or STEPTRACE_CONFIG), then STEPTRACE_* environment variables.
// The result is validated once, after all layers are applied.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/logging"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STEPTRACE_"

// Config is the complete configuration for the server and the recorder.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the ingestion/query HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Default: :8420
	Addr string `yaml:"addr"`

	// MaxBodyBytes bounds a request body before decompression.
	// Default: 8 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ReadTimeout bounds reading a request. Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the storage engine.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Default: sqlite
	Driver store.Driver `yaml:"driver"`

	// DSN is a file path for SQLite or a connection string for Postgres.
	// Default: steptrace.db
	DSN string `yaml:"dsn"`
}

// RecorderConfig configures the client side: batching, transport and the
// default capture policy.
type RecorderConfig struct {
	// Endpoint is the server base URL. Default: http://localhost:8420
	Endpoint string `yaml:"endpoint"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueue      int           `yaml:"max_queue"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`

	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
	Compression string  `yaml:"compression"`

	// Policy is the default capture policy for steps that set none.
	Policy trace.CapturePolicy `yaml:"policy"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8420",
			MaxBodyBytes:    8 << 20,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: store.DriverSQLite,
			DSN:    "steptrace.db",
		},
		Recorder: RecorderConfig{
			Endpoint:      "http://localhost:8420",
			BatchSize:     batch.DefaultBatchSize,
			FlushInterval: batch.DefaultFlushInterval,
			MaxQueue:      batch.DefaultMaxQueue,
			Timeout:       batch.DefaultTimeout,
			MaxBackoff:    batch.DefaultMaxBackoff,
			RateLimit:     20,
			RateBurst:     10,
			Compression:   string(transport.CompressionNone),
			Policy:        trace.CapturePolicy{Mode: trace.DefaultMode},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and
// the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge decodes YAML over the current values. Unknown keys are an error.
func (c *Config) merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays STEPTRACE_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	driver := string(c.Database.Driver)
	str("DB_DRIVER", &driver)
	c.Database.Driver = store.Driver(driver)
	str("DB_DSN", &c.Database.DSN)

	str("ENDPOINT", &c.Recorder.Endpoint)
	integer("BATCH_SIZE", &c.Recorder.BatchSize)
	duration("FLUSH_INTERVAL", &c.Recorder.FlushInterval)
	integer("MAX_QUEUE", &c.Recorder.MaxQueue)
	duration("TIMEOUT", &c.Recorder.Timeout)
	duration("MAX_BACKOFF", &c.Recorder.MaxBackoff)
	float("RATE_LIMIT", &c.Recorder.RateLimit)
	integer("RATE_BURST", &c.Recorder.RateBurst)
	str("COMPRESSION", &c.Recorder.Compression)
	mode := string(c.Recorder.Policy.Mode)
	str("CAPTURE_MODE", &mode)
	c.Recorder.Policy.Mode = trace.CaptureMode(strings.ToUpper(mode))

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is required")
	check(c.Server.MaxBodyBytes > 0, "server.max_body_bytes must be positive")
	check(c.Server.ReadTimeout > 0, "server.read_timeout must be positive")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	check(c.Database.DSN != "", "database.dsn is required")

	r := c.Recorder
	check(r.BatchSize > 0, "recorder.batch_size must be positive")
	check(r.FlushInterval > 0, "recorder.flush_interval must be positive")
	check(r.MaxQueue > 0, "recorder.max_queue must be positive")
	check(r.Timeout > 0, "recorder.timeout must be positive")
	check(r.MaxBackoff > 0, "recorder.max_backoff must be positive")
	check(r.RateLimit > 0, "recorder.rate_limit must be positive")
	check(r.RateBurst > 0, "recorder.rate_burst must be positive")
	if _, err := transport.ParseCompression(r.Compression); err != nil {
		errs = append(errs, fmt.Errorf("recorder.compression: %w", err))
	}
	check(r.Policy.Mode.Valid(), "recorder.policy.mode %q is not a capture mode", r.Policy.Mode)

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// BatchConfig returns the batcher settings.
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{
		BatchSize:     c.Recorder.BatchSize,
		FlushInterval: c.Recorder.FlushInterval,
		Timeout:       c.Recorder.Timeout,
		MaxBackoff:    c.Recorder.MaxBackoff,
	}
}

// TransportConfig returns the HTTP transport settings.
func (c *Config) TransportConfig() transport.Config {
	compression, _ := transport.ParseCompression(c.Recorder.Compression)
	return transport.Config{
		Endpoint:    c.Recorder.Endpoint,
		Compression: compression,
		RateLimit:   c.Recorder.RateLimit,
		RateBurst:   c.Recorder.RateBurst,
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/steptrace/internal/batch"
	"github.com/roach88/steptrace/internal/store"
	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steptrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STEPTRACE_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Recorder.BatchSize)
	assert.Equal(t, 2000, cfg.Recorder.MaxQueue)
	assert.Equal(t, trace.CaptureThreshold, cfg.Recorder.Policy.Mode)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
database:
  driver: postgres
  dsn: postgres://localhost/steptrace?sslmode=disable
recorder:
  batch_size: 20
  flush_interval: 250ms
  compression: zstd
  policy:
    mode: TOP_K
    top_k: 5
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, store.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Recorder.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Recorder.FlushInterval)
	assert.Equal(t, trace.CaptureTopK, cfg.Recorder.Policy.Mode)
	assert.Equal(t, 5, cfg.Recorder.Policy.EffectiveTopK())
	assert.Equal(t, "json", cfg.Log.Format)

	// Unset keys keep their defaults.
	assert.Equal(t, 2000, cfg.Recorder.MaxQueue)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: :9000\nrecorder:\n  batch_size: 20\n")
	t.Setenv("STEPTRACE_ADDR", ":9100")
	t.Setenv("STEPTRACE_BATCH_SIZE", "7")
	t.Setenv("STEPTRACE_FLUSH_INTERVAL", "3s")
	t.Setenv("STEPTRACE_RATE_LIMIT", "2.5")
	t.Setenv("STEPTRACE_CAPTURE_MODE", "sample")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Recorder.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Recorder.FlushInterval)
	assert.Equal(t, 2.5, cfg.Recorder.RateLimit)
	assert.Equal(t, trace.CaptureSample, cfg.Recorder.Policy.Mode)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("STEPTRACE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server:\n  port: 80\n"))
		assert.Error(t, err)
	})
	t.Run("bad env int", func(t *testing.T) {
		t.Setenv("STEPTRACE_MAX_QUEUE", "lots")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "STEPTRACE_MAX_QUEUE")
	})
	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("STEPTRACE_TIMEOUT", "5")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"batch size", func(c *Config) { c.Recorder.BatchSize = 0 }, "recorder.batch_size"},
		{"compression", func(c *Config) { c.Recorder.Compression = "lz4" }, "recorder.compression"},
		{"mode", func(c *Config) { c.Recorder.Policy.Mode = "ALL" }, "recorder.policy.mode"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Recorder.RateBurst = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.addr")
	assert.Contains(t, err.Error(), "recorder.rate_burst")
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Recorder.Compression = "zstd"

	bc := cfg.BatchConfig()
	assert.Equal(t, cfg.Recorder.BatchSize, bc.BatchSize)
	assert.Equal(t, cfg.Recorder.Timeout, bc.Timeout)
	assert.Equal(t, batch.DefaultMaxBackoff, bc.MaxBackoff)

	tc := cfg.TransportConfig()
	assert.Equal(t, transport.CompressionZstd, tc.Compression)
	assert.Equal(t, "http://localhost:8420", tc.Endpoint)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Pool.Size)
	require.Equal(t, 100, cfg.Pool.MaxPages)
	require.Equal(t, 30*time.Minute, cfg.Pool.MaxAge)
	require.Equal(t, 50, cfg.Pool.MaxQueueSize)
	require.True(t, cfg.Browser.Headless)
	require.True(t, cfg.Browser.Stealth)
	require.Equal(t, 90*time.Second, cfg.Strategies.HardTimeout)
	require.Equal(t, "chrome", cfg.Strategies.Impersonate.Profile)
	require.Equal(t, 45*time.Second, cfg.Challenge.MaxWait)
	require.Equal(t, 500*time.Millisecond, cfg.Challenge.PollInterval)
	require.Equal(t, 4, cfg.Batch.Concurrency)
	require.Equal(t, 2, cfg.Batch.MaxRetries)
	require.Equal(t, BackendNone, cfg.Storage.Backend)
	require.Equal(t, "fetch_attempts", cfg.DB.Table)

	order, err := cfg.Strategies.StrategyOrder()
	require.NoError(t, err)
	require.Equal(t, fetch.DefaultOrder, order)
	require.Equal(t, 75*time.Second, cfg.Strategies.SoftTimeouts()[fetch.StrategyRendered])
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
pool:
  size: 5
  max_pages: 20
  queue_timeout: 5s
strategies:
  order: [impersonate, rendered]
  skip: [rendered]
  hard_timeout: 60s
  impersonate:
    profile: firefox
    soft_timeout: 10s
  rendered:
    soft_timeout: 50s
challenge:
  max_wait: 20s
batch:
  concurrency: 8
  per_host_rps: 0.5
storage:
  backend: local
  prefix: pages
  local:
    base_dir: /tmp/pages
useragents:
  - "Mozilla/5.0 test"
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 5, cfg.Pool.Size)
	require.Equal(t, 5*time.Second, cfg.Pool.QueueTimeout)
	require.Equal(t, 30*time.Minute, cfg.Pool.MaxAge)
	require.Equal(t, "firefox", cfg.Strategies.Impersonate.Profile)
	require.Equal(t, 20*time.Second, cfg.Challenge.MaxWait)
	require.Equal(t, 8, cfg.Batch.Concurrency)
	require.InDelta(t, 0.5, cfg.Batch.PerHostRPS, 0.0001)
	require.Equal(t, "/tmp/pages", cfg.Storage.Local.BaseDir)
	require.Equal(t, []string{"Mozilla/5.0 test"}, cfg.UserAgents)

	order, err := cfg.Strategies.StrategyOrder()
	require.NoError(t, err)
	require.Equal(t, []fetch.StrategyName{fetch.StrategyImpersonate, fetch.StrategyRendered}, order)
	skip, err := cfg.Strategies.SkipList()
	require.NoError(t, err)
	require.Equal(t, []fetch.StrategyName{fetch.StrategyRendered}, skip)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STEALTHFETCH_POOL_SIZE", "7")
	t.Setenv("STEALTHFETCH_STRATEGIES_HARD_TIMEOUT", "2m")
	t.Setenv("STEALTHFETCH_STORAGE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pool.Size)
	require.Equal(t, 2*time.Minute, cfg.Strategies.HardTimeout)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging.level"},
		{name: "pool size", mutate: func(c *Config) { c.Pool.Size = 0 }, want: "pool.size"},
		{name: "queue size", mutate: func(c *Config) { c.Pool.MaxQueueSize = -1 }, want: "pool.max_queue_size"},
		{name: "interval", mutate: func(c *Config) { c.Pool.HealthCheckInterval = 0 }, want: "intervals"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Strategies.Order = []string{"plain", "teleport"} }, want: "unknown strategy"},
		{name: "empty order", mutate: func(c *Config) { c.Strategies.Order = nil }, want: "at least one"},
		{name: "bad skip", mutate: func(c *Config) { c.Strategies.Skip = []string{"nope"} }, want: "strategies.skip"},
		{name: "soft above hard", mutate: func(c *Config) { c.Strategies.Rendered.SoftTimeout = 2 * time.Minute }, want: "exceeds"},
		{name: "tls profile", mutate: func(c *Config) { c.Strategies.Impersonate.Profile = "opera" }, want: "tls profile"},
		{name: "poll above wait", mutate: func(c *Config) { c.Challenge.PollInterval = time.Minute }, want: "poll_interval"},
		{name: "concurrency", mutate: func(c *Config) { c.Batch.Concurrency = 0 }, want: "batch.concurrency"},
		{name: "backoff order", mutate: func(c *Config) { c.Batch.BackoffMax = time.Millisecond }, want: "backoff_max"},
		{name: "storage backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "unknown storage.backend"},
		{name: "local dir", mutate: func(c *Config) { c.Storage.Backend = BackendLocal }, want: "base_dir"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Strategies.Order = append([]string(nil), base.Strategies.Order...)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	require.NoError(t, base.Validate())
}

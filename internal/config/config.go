// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/fingerprint"
)

// EnvPrefix namespaces environment overrides, e.g. STEALTHFETCH_POOL_SIZE.
const EnvPrefix = "STEALTHFETCH"

// Storage backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	Batch      BatchConfig      `mapstructure:"batch"`
	UserAgents []string         `mapstructure:"useragents"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig sizes the browser pool and its recycling thresholds.
type PoolConfig struct {
	Size                 int           `mapstructure:"size"`
	MaxPages             int           `mapstructure:"max_pages"`
	MaxAge               time.Duration `mapstructure:"max_age"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	RecycleCheckInterval time.Duration `mapstructure:"recycle_check_interval"`
	MaxQueueSize         int           `mapstructure:"max_queue_size"`
	QueueTimeout         time.Duration `mapstructure:"queue_timeout"`
	CreateTimeout        time.Duration `mapstructure:"create_timeout"`
}

// BrowserConfig is applied to every pooled browser at launch.
type BrowserConfig struct {
	Headless     bool   `mapstructure:"headless"`
	ExecPath     string `mapstructure:"exec_path"`
	ProxyServer  string `mapstructure:"proxy_server"`
	Stealth      bool   `mapstructure:"stealth"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

// StrategiesConfig orders the cascade and budgets each strategy.
type StrategiesConfig struct {
	Order         []string          `mapstructure:"order"`
	Skip          []string          `mapstructure:"skip"`
	HardTimeout   time.Duration     `mapstructure:"hard_timeout"`
	MinTextLength int               `mapstructure:"min_text_length"`
	Plain         PlainConfig       `mapstructure:"plain"`
	Impersonate   ImpersonateConfig `mapstructure:"impersonate"`
	Rendered      RenderedConfig    `mapstructure:"rendered"`
}

// PlainConfig tunes the plain HTTP strategy.
type PlainConfig struct {
	SoftTimeout time.Duration `mapstructure:"soft_timeout"`
}

// ImpersonateConfig tunes the TLS-impersonating strategy.
type ImpersonateConfig struct {
	SoftTimeout time.Duration `mapstructure:"soft_timeout"`
	Profile     string        `mapstructure:"profile"`
}

// RenderedConfig tunes the browser strategy.
type RenderedConfig struct {
	SoftTimeout     time.Duration `mapstructure:"soft_timeout"`
	SettleInterval  time.Duration `mapstructure:"settle_interval"`
	SettleTimeout   time.Duration `mapstructure:"settle_timeout"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout"`
}

// ChallengeConfig bounds how long a challenge page is waited out.
type ChallengeConfig struct {
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LoadTimeout  time.Duration `mapstructure:"load_timeout"`
}

// BatchConfig governs caller-level concurrency, politeness and retries.
type BatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	PerHostRPS   float64       `mapstructure:"per_host_rps"`
	PerHostBurst int           `mapstructure:"per_host_burst"`
}

// StorageConfig selects where HTML snapshots are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	GCS     GCSStorageConfig   `mapstructure:"gcs"`
}

// LocalStorageConfig points at a filesystem directory.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig points at a bucket.
type GCSStorageConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DBConfig controls the fetch record table. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int           `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 120*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.max_pages", 100)
	v.SetDefault("pool.max_age", 30*time.Minute)
	v.SetDefault("pool.health_check_interval", 30*time.Second)
	v.SetDefault("pool.recycle_check_interval", 60*time.Second)
	v.SetDefault("pool.max_queue_size", 50)
	v.SetDefault("pool.queue_timeout", 30*time.Second)
	v.SetDefault("pool.create_timeout", 30*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.proxy_server", "")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)

	v.SetDefault("strategies.order", []string{"plain", "impersonate", "rendered"})
	v.SetDefault("strategies.skip", []string{})
	v.SetDefault("strategies.hard_timeout", 90*time.Second)
	v.SetDefault("strategies.min_text_length", 100)
	v.SetDefault("strategies.plain.soft_timeout", 15*time.Second)
	v.SetDefault("strategies.impersonate.soft_timeout", 20*time.Second)
	v.SetDefault("strategies.impersonate.profile", "chrome")
	v.SetDefault("strategies.rendered.soft_timeout", 75*time.Second)
	v.SetDefault("strategies.rendered.settle_interval", 500*time.Millisecond)
	v.SetDefault("strategies.rendered.settle_timeout", 15*time.Second)
	v.SetDefault("strategies.rendered.selector_timeout", 10*time.Second)

	v.SetDefault("challenge.max_wait", 45*time.Second)
	v.SetDefault("challenge.poll_interval", 500*time.Millisecond)
	v.SetDefault("challenge.load_timeout", 10*time.Second)

	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("batch.backoff_base", time.Second)
	v.SetDefault("batch.backoff_max", 30*time.Second)
	v.SetDefault("batch.per_host_rps", 0.0)
	v.SetDefault("batch.per_host_burst", 1)

	v.SetDefault("useragents", []string{})

	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.cache_control", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "fetch_attempts")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if err := c.Pool.validate(); err != nil {
		return err
	}
	if err := c.Strategies.validate(); err != nil {
		return err
	}
	if c.Challenge.MaxWait <= 0 || c.Challenge.PollInterval <= 0 || c.Challenge.LoadTimeout <= 0 {
		return errors.New("challenge.max_wait, poll_interval and load_timeout must be > 0")
	}
	if c.Challenge.PollInterval > c.Challenge.MaxWait {
		return errors.New("challenge.poll_interval must not exceed challenge.max_wait")
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	return c.Storage.validate()
}

func (p PoolConfig) validate() error {
	switch {
	case p.Size <= 0:
		return errors.New("pool.size must be > 0")
	case p.MaxPages <= 0:
		return errors.New("pool.max_pages must be > 0")
	case p.MaxAge <= 0:
		return errors.New("pool.max_age must be > 0")
	case p.HealthCheckInterval <= 0 || p.RecycleCheckInterval <= 0:
		return errors.New("pool check intervals must be > 0")
	case p.MaxQueueSize <= 0:
		return errors.New("pool.max_queue_size must be > 0")
	case p.QueueTimeout <= 0:
		return errors.New("pool.queue_timeout must be > 0")
	case p.CreateTimeout <= 0:
		return errors.New("pool.create_timeout must be > 0")
	}
	return nil
}

func (s StrategiesConfig) validate() error {
	order, err := s.StrategyOrder()
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return errors.New("strategies.order must name at least one strategy")
	}
	if _, err := s.SkipList(); err != nil {
		return err
	}
	if s.HardTimeout <= 0 {
		return errors.New("strategies.hard_timeout must be > 0")
	}
	if s.MinTextLength < 0 {
		return errors.New("strategies.min_text_length must be >= 0")
	}
	for name, soft := range s.SoftTimeouts() {
		if soft <= 0 {
			return fmt.Errorf("strategies.%s.soft_timeout must be > 0", name)
		}
		if soft > s.HardTimeout {
			return fmt.Errorf("strategies.%s.soft_timeout exceeds strategies.hard_timeout", name)
		}
	}
	if _, err := fingerprint.ParseProfile(s.Impersonate.Profile); err != nil {
		return fmt.Errorf("strategies.impersonate.profile: %w", err)
	}
	if s.Rendered.SettleInterval <= 0 || s.Rendered.SettleTimeout <= 0 {
		return errors.New("strategies.rendered settle interval and timeout must be > 0")
	}
	return nil
}

// StrategyOrder parses the configured cascade order.
func (s StrategiesConfig) StrategyOrder() ([]fetch.StrategyName, error) {
	return parseNames("strategies.order", s.Order)
}

// SkipList parses the configured skip list.
func (s StrategiesConfig) SkipList() ([]fetch.StrategyName, error) {
	return parseNames("strategies.skip", s.Skip)
}

// SoftTimeouts maps every strategy to its per-attempt budget.
func (s StrategiesConfig) SoftTimeouts() map[fetch.StrategyName]time.Duration {
	return map[fetch.StrategyName]time.Duration{
		fetch.StrategyPlain:       s.Plain.SoftTimeout,
		fetch.StrategyImpersonate: s.Impersonate.SoftTimeout,
		fetch.StrategyRendered:    s.Rendered.SoftTimeout,
	}
}

func parseNames(key string, raw []string) ([]fetch.StrategyName, error) {
	out := make([]fetch.StrategyName, 0, len(raw))
	for _, r := range raw {
		name, err := fetch.ParseStrategyName(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, name)
	}
	return out, nil
}

func (b BatchConfig) validate() error {
	switch {
	case b.Concurrency <= 0:
		return errors.New("batch.concurrency must be > 0")
	case b.MaxRetries < 0:
		return errors.New("batch.max_retries must be >= 0")
	case b.BackoffBase <= 0 || b.BackoffMax <= 0:
		return errors.New("batch backoff durations must be > 0")
	case b.BackoffMax < b.BackoffBase:
		return errors.New("batch.backoff_max must be >= batch.backoff_base")
	case b.PerHostRPS < 0:
		return errors.New("batch.per_host_rps must be >= 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case "", BackendNone, BackendMemory:
		return nil
	case BackendLocal:
		if s.Local.BaseDir == "" {
			return errors.New("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if s.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", s.Backend)
	}
	return nil
}

// internal/config/config.go

// Package config loads and validates the pipeline configuration from
// YAML, with environment variable substitution so deployments can keep
// credentials out of the file.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ai"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/breaker"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/browser"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/cache"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/coordinator"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/errorhandling"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/processor"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ratelimit"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/scheduler"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/storage"
)

// CacheConfig sizes the in-process cache and optionally attaches the
// shared Redis layer and the snapshot file.
type CacheConfig struct {
	MaxEntries  int                      `yaml:"max_entries" json:"max_entries"`
	MaxBytes    int                      `yaml:"max_bytes" json:"max_bytes"`
	PersistPath string                   `yaml:"persist_path,omitempty" json:"persist_path,omitempty"`
	Redis       *cache.SharedCacheConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// MonitoringConfig controls the metrics/health HTTP server.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Config is the full pipeline configuration.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	Browser     *browser.Config    `yaml:"browser" json:"browser"`
	RateLimit   ratelimit.Config   `yaml:"rate_limit" json:"rate_limit"`
	Scheduler   scheduler.Config   `yaml:"scheduler" json:"scheduler"`
	Breaker     breaker.Config     `yaml:"breaker" json:"breaker"`
	Coordinator coordinator.Config `yaml:"coordinator" json:"coordinator"`
	Storage     storage.Config     `yaml:"storage" json:"storage"`
	AI          ai.Config          `yaml:"ai" json:"ai"`
	Cache       CacheConfig        `yaml:"cache" json:"cache"`
	Processor   processor.Config   `yaml:"processor" json:"processor"`
	Monitoring  MonitoringConfig   `yaml:"monitoring" json:"monitoring"`

	// ErrorHandling maps operation names to retry/fallback policy.
	ErrorHandling map[string]errorhandling.FallbackConfig `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
}

// LoadFromFile reads, expands, and validates a YAML configuration file.
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("configuration filename cannot be empty")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML configuration after environment variable
// substitution.
func LoadFromBytes(data []byte) (*Config, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("configuration data cannot be empty")
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML configuration: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return LoadFromBytes(data)
}

// SaveToWriter serializes the configuration as YAML.
func SaveToWriter(cfg *Config, writer io.Writer) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if writer == nil {
		return fmt.Errorf("writer cannot be nil")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("writing configuration: %w", err)
	}
	return nil
}

// Default returns the configuration used when no file is given:
// Postgres on localhost, no AI, monitoring on :8080.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Browser == nil {
		cfg.Browser = browser.DefaultConfig()
	}
	if cfg.Browser.PoolSize <= 0 {
		cfg.Browser.PoolSize = browser.DefaultConfig().PoolSize
	}
	rl := ratelimit.DefaultConfig()
	if cfg.RateLimit.MaxConcurrent <= 0 {
		cfg.RateLimit.MaxConcurrent = rl.MaxConcurrent
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = rl.RequestsPerSecond
	}
	if cfg.RateLimit.BurstLimit <= 0 {
		cfg.RateLimit.BurstLimit = rl.BurstLimit
	}
	if cfg.RateLimit.Cooldown <= 0 {
		cfg.RateLimit.Cooldown = rl.Cooldown
	}

	sch := scheduler.DefaultConfig()
	if cfg.Scheduler.MaxWorkers <= 0 {
		cfg.Scheduler.MaxWorkers = sch.MaxWorkers
	}
	if cfg.Scheduler.ShutdownGrace <= 0 {
		cfg.Scheduler.ShutdownGrace = sch.ShutdownGrace
	}

	brk := breaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = brk.FailureThreshold
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = brk.SuccessThreshold
	}
	if cfg.Breaker.RecoveryTimeout <= 0 {
		cfg.Breaker.RecoveryTimeout = brk.RecoveryTimeout
	}
	if cfg.Breaker.RetryDelay <= 0 {
		cfg.Breaker.RetryDelay = brk.RetryDelay
	}

	coord := coordinator.DefaultConfig()
	if cfg.Coordinator.WorkerType == "" {
		cfg.Coordinator.WorkerType = coord.WorkerType
	}
	if cfg.Coordinator.PodName == "" {
		cfg.Coordinator.PodName = coord.PodName
	}
	if cfg.Coordinator.HeartbeatInterval <= 0 {
		cfg.Coordinator.HeartbeatInterval = coord.HeartbeatInterval
	}
	if cfg.Coordinator.WorkerTimeout <= 0 {
		cfg.Coordinator.WorkerTimeout = coord.WorkerTimeout
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage = storage.Config{
			Backend:          storage.BackendPostgres,
			ConnectionString: "postgres://localhost/diocesan_vitality?sslmode=disable",
		}
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Cache.MaxBytes <= 0 {
		cfg.Cache.MaxBytes = 256 << 20
	}
	proc := processor.DefaultConfig()
	if cfg.Processor.BatchSize <= 0 {
		cfg.Processor.BatchSize = proc.BatchSize
	}
	if cfg.Processor.PollInterval <= 0 {
		cfg.Processor.PollInterval = proc.PollInterval
	}
	if cfg.Processor.MaxScheduleFetches <= 0 {
		cfg.Processor.MaxScheduleFetches = proc.MaxScheduleFetches
	}
	if cfg.Monitoring.Addr == "" {
		cfg.Monitoring.Addr = ":8080"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}

	switch c.Storage.Backend {
	case storage.BackendPostgres, storage.BackendMySQL, storage.BackendSQLite, storage.BackendMongoDB:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage.connection_string is required")
	}

	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be positive")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if c.AI.Endpoint != "" && c.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required when ai.endpoint is set")
	}
	if c.Cache.Redis != nil && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when redis is configured")
	}
	return nil
}

// Package config loads intentd's configuration.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// file, INTENTD_* environment variables (INTENTD_SERVER_ADDR overrides
// server.addr), and command-line flags bound by the CLI. Durations are
// strings such as "2s" or "1m30s".
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INTENTD"

// Config is the fully resolved configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Durable     DurableConfig     `mapstructure:"durable"`
	FastTier    FastTierConfig    `mapstructure:"fast_tier"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	WAL         WALConfig         `mapstructure:"wal"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Contracts   ContractsConfig   `mapstructure:"contracts"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DurableConfig selects the durable tier.
type DurableConfig struct {
	Dialect string `mapstructure:"dialect"` // sqlite | postgres
	DSN     string `mapstructure:"dsn"`
}

// FastTierConfig selects the fast tier. An empty RedisURL keeps copies
// in process memory.
type FastTierConfig struct {
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Capacity  int           `mapstructure:"capacity"` // In-memory tier only
}

// TimeoutsConfig bounds tier calls and executions.
type TimeoutsConfig struct {
	Execution time.Duration `mapstructure:"execution"`
	Read      time.Duration `mapstructure:"read"`
	Fast      time.Duration `mapstructure:"fast"`
	Durable   time.Duration `mapstructure:"durable"`
	Commit    time.Duration `mapstructure:"commit"`
}

// RecoveryConfig is the retry policy for failed durable commits.
type RecoveryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxTries        uint          `mapstructure:"max_tries"`
	Workers         int           `mapstructure:"workers"`
}

// OutboxConfig configures the outbox publisher.
type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// WALConfig configures the WAL and its in-process consumers.
type WALConfig struct {
	Timeout          time.Duration        `mapstructure:"timeout"`
	Visibility       time.Duration        `mapstructure:"visibility"`
	DispatchInterval time.Duration        `mapstructure:"dispatch_interval"`
	DispatchBatch    int                  `mapstructure:"dispatch_batch"`
	Retention        time.Duration        `mapstructure:"retention"`
	Subscriptions    []SubscriptionConfig `mapstructure:"subscriptions"`
}

// SubscriptionConfig attaches a logging consumer group to a tenant.
type SubscriptionConfig struct {
	Group  string `mapstructure:"group"`
	Tenant string `mapstructure:"tenant"`
}

// IdempotencyConfig configures duplicate suppression.
type IdempotencyConfig struct {
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	Grace      time.Duration `mapstructure:"grace"`
	CacheSize  int           `mapstructure:"cache_size"`
	LockPrefix string        `mapstructure:"lock_prefix"`
}

// ExecutorConfig sizes the worker pool.
type ExecutorConfig struct {
	Workers int `mapstructure:"workers"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // text | json
	File   string `mapstructure:"file"`   // Optional JSON file sink
}

// ContractsConfig locates intent contracts. An empty Dir uses the
// contracts built into the demo realm.
type ContractsConfig struct {
	Dir string `mapstructure:"dir"`
}

// New returns a viper instance with defaults and environment binding.
// The CLI binds its flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("durable.dialect", "sqlite")
	v.SetDefault("durable.dsn", "intentd.db")

	v.SetDefault("fast_tier.redis_url", "")
	v.SetDefault("fast_tier.key_prefix", "intentd:artifact:")
	v.SetDefault("fast_tier.ttl", "24h")
	v.SetDefault("fast_tier.capacity", 10000)

	v.SetDefault("timeouts.execution", "30s")
	v.SetDefault("timeouts.read", "2s")
	v.SetDefault("timeouts.fast", "2s")
	v.SetDefault("timeouts.durable", "2s")
	v.SetDefault("timeouts.commit", "5s")

	v.SetDefault("recovery.initial_interval", "100ms")
	v.SetDefault("recovery.max_interval", "2s")
	v.SetDefault("recovery.max_tries", 5)
	v.SetDefault("recovery.workers", 2)

	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.initial_backoff", "500ms")
	v.SetDefault("outbox.max_backoff", "1m")

	v.SetDefault("wal.timeout", "2s")
	v.SetDefault("wal.visibility", "30s")
	v.SetDefault("wal.dispatch_interval", "500ms")
	v.SetDefault("wal.dispatch_batch", 100)
	v.SetDefault("wal.retention", "0s")
	v.SetDefault("wal.subscriptions", []map[string]string{})

	v.SetDefault("idempotency.lock_ttl", "5m")
	v.SetDefault("idempotency.grace", "30s")
	v.SetDefault("idempotency.cache_size", 1024)
	v.SetDefault("idempotency.lock_prefix", "intentd:lock:")

	v.SetDefault("executor.workers", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("contracts.dir", "")
}

// Load reads file (optional) into v and returns the validated config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Durable.Dialect {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("durable.dialect: must be sqlite or postgres, got %q", c.Durable.Dialect))
	}
	if c.Durable.DSN == "" {
		errs = append(errs, errors.New("durable.dsn: required"))
	}

	positive := map[string]time.Duration{
		"timeouts.execution":      c.Timeouts.Execution,
		"timeouts.read":           c.Timeouts.Read,
		"timeouts.fast":           c.Timeouts.Fast,
		"timeouts.durable":        c.Timeouts.Durable,
		"timeouts.commit":         c.Timeouts.Commit,
		"wal.visibility":          c.WAL.Visibility,
		"outbox.poll_interval":    c.Outbox.PollInterval,
		"idempotency.lock_ttl":    c.Idempotency.LockTTL,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", key))
		}
	}
	if c.WAL.Retention < 0 {
		errs = append(errs, errors.New("wal.retention: must not be negative"))
	}
	if c.FastTier.Capacity < 0 {
		errs = append(errs, errors.New("fast_tier.capacity: must not be negative"))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, errors.New("executor.workers: must be positive"))
	}
	for i, s := range c.WAL.Subscriptions {
		if s.Group == "" || s.Tenant == "" {
			errs = append(errs, fmt.Errorf("wal.subscriptions[%d]: group and tenant are required", i))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

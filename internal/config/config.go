// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/storage/local"
)

// EnvPrefix prefixes every environment override, e.g. COORDINATOR_SERVER_PORT.
const EnvPrefix = "COORDINATOR"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects the coordination store. An empty DSN keeps all state
// in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// AuthConfig lists the staff bearer sessions accepted by the admin surface.
type AuthConfig struct {
	Sessions []auth.SessionEntry `mapstructure:"sessions"`
}

// LeaseConfig controls job leases.
type LeaseConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// RunnerConfig controls runner polling and liveness.
type RunnerConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	PollRatePerSecond float64       `mapstructure:"poll_rate_per_second"`
	PollBurst         int           `mapstructure:"poll_burst"`
	DefaultMaxWorkers int           `mapstructure:"default_max_workers"`
}

// SweeperConfig controls the expired-lease sweeper.
type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// RedisConfig points at the Redis used for the sweeper lock. An empty Addr
// disables locking.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects where callback payloads are archived.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig configures event publishing. An empty ProjectID keeps events
// in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	// Topics routes event names to Pub/Sub topic IDs. Event names contain
	// dots, which Viper treats as key separators, so routes are a list.
	Topics []TopicRoute `mapstructure:"topics"`
}

// TopicRoute binds one event name to a Pub/Sub topic ID.
type TopicRoute struct {
	Event string `mapstructure:"event"`
	Topic string `mapstructure:"topic"`
}

// TopicMap flattens the configured routes into an event-to-topic map.
func (c PubSubConfig) TopicMap() map[string]string {
	if len(c.Topics) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Topics))
	for _, r := range c.Topics {
		out[r.Event] = r.Topic
	}
	return out
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk and the environment.
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("lease.duration", "5m")
	v.SetDefault("runner.stale_after", "5m")
	v.SetDefault("runner.poll_rate_per_second", 1.0)
	v.SetDefault("runner.poll_burst", 5)
	v.SetDefault("runner.default_max_workers", 4)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "30s")
	v.SetDefault("sweeper.lock_key", "scraper-coordinator:sweeper")
	v.SetDefault("sweeper.lock_ttl", "25s")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local.base_dir", "data/archive")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Lease.Duration <= 0 {
		errs = append(errs, errors.New("lease.duration must be > 0"))
	}
	if c.Runner.PollBurst < 0 {
		errs = append(errs, errors.New("runner.poll_burst must be >= 0"))
	}
	if c.Runner.DefaultMaxWorkers < 0 {
		errs = append(errs, errors.New("runner.default_max_workers must be >= 0"))
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be > 0 when the sweeper is enabled"))
	}
	if c.Redis.Addr != "" && c.Sweeper.LockTTL <= 0 {
		errs = append(errs, errors.New("sweeper.lock_ttl must be > 0 when redis is configured"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0,1]"))
	}
	for i, r := range c.PubSub.Topics {
		if r.Event == "" || r.Topic == "" {
			errs = append(errs, fmt.Errorf("pubsub.topics[%d] needs event and topic", i))
		}
	}
	for i, s := range c.Auth.Sessions {
		if s.TokenSHA256 == "" || s.Subject == "" {
			errs = append(errs, fmt.Errorf("auth.sessions[%d] needs token_sha256 and subject", i))
		}
	}
	return errors.Join(errs...)
}

// StoreBackend reports which coordination store the config selects.
func (c Config) StoreBackend() string {
	if c.Database.DSN == "" {
		return BackendMemory
	}
	return BackendPostgres
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, 5*time.Minute, cfg.Lease.Duration)
	require.Equal(t, 5*time.Minute, cfg.Runner.StaleAfter)
	require.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	require.Nil(t, cfg.PubSub.TopicMap())
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, BackendMemory, cfg.StoreBackend())
	require.Empty(t, cfg.Auth.Sessions)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 10s
logging:
  development: true
  level: debug
database:
  dsn: postgres://coordinator@localhost/coordinator
  max_conns: 20
auth:
  sessions:
    - token_sha256: 5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8
      subject: alice
      roles: [staff]
lease:
  duration: 2m
runner:
  stale_after: 90s
  poll_rate_per_second: 0.5
  poll_burst: 2
sweeper:
  interval: 15s
redis:
  addr: localhost:6379
storage:
  backend: gcs
  bucket: scraper-archive
  prefix: callbacks
pubsub:
  project_id: my-project
  topics:
    - event: config.published
      topic: scraper-config-published
    - event: testrun.completed
      topic: scraper-testrun-completed
tracing:
  enabled: true
  sample_ratio: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, BackendPostgres, cfg.StoreBackend())
	require.EqualValues(t, 20, cfg.Database.MaxConns)
	require.Len(t, cfg.Auth.Sessions, 1)
	require.Equal(t, "alice", cfg.Auth.Sessions[0].Subject)
	require.Equal(t, []string{"staff"}, cfg.Auth.Sessions[0].Roles)
	require.Equal(t, 2*time.Minute, cfg.Lease.Duration)
	require.Equal(t, 90*time.Second, cfg.Runner.StaleAfter)
	require.InDelta(t, 0.5, cfg.Runner.PollRatePerSecond, 1e-9)
	require.Equal(t, 15*time.Second, cfg.Sweeper.Interval)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "scraper-archive", cfg.Storage.Bucket)
	require.Len(t, cfg.PubSub.Topics, 2)
	topics := cfg.PubSub.TopicMap()
	require.Equal(t, "scraper-config-published", topics["config.published"])
	require.Equal(t, "scraper-testrun-completed", topics["testrun.completed"])
	require.True(t, cfg.Tracing.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COORDINATOR_SERVER_PORT", "7070")
	t.Setenv("COORDINATOR_LEASE_DURATION", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 90*time.Second, cfg.Lease.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Lease:   LeaseConfig{Duration: time.Minute},
			Sweeper: SweeperConfig{Enabled: true, Interval: time.Second},
			Storage: StorageConfig{Backend: BackendMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "zero lease", mutate: func(c *Config) { c.Lease.Duration = 0 }, wantErr: "lease.duration"},
		{name: "sweeper interval", mutate: func(c *Config) { c.Sweeper.Interval = 0 }, wantErr: "sweeper.interval"},
		{
			name:    "redis without ttl",
			mutate:  func(c *Config) { c.Redis.Addr = "localhost:6379" },
			wantErr: "sweeper.lock_ttl",
		},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, wantErr: "storage.bucket"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: "storage.backend"},
		{
			name:    "topic route without topic",
			mutate:  func(c *Config) { c.PubSub.Topics = []TopicRoute{{Event: "config.published"}} },
			wantErr: "pubsub.topics[0]",
		},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, wantErr: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

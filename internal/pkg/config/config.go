package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all monitor configuration. The *_MS options are integral
// milliseconds to match the documented option names; use the accessor
// methods for durations.
type Config struct {
	LogLevel string `env:"MONITOR_LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"MONITOR_LOG_FILE"` // empty: log to stdout

	DataDir string `env:"MONITOR_DATA_DIR" envDefault:"runtime_data"`

	FsyncEveryN          int   `env:"MONITOR_FSYNC_EVERY_N" envDefault:"64"`
	FsyncEveryMs         int64 `env:"MONITOR_FSYNC_EVERY_MS" envDefault:"1000"`
	WALCheckpointEveryN  int64 `env:"MONITOR_WAL_CHECKPOINT_EVERY_N" envDefault:"1024"`
	BusyTimeoutMs        int64 `env:"MONITOR_BUSY_TIMEOUT_MS" envDefault:"5000"`
	ConnectionStaleAfter int64 `env:"MONITOR_CONNECTION_STALE_AFTER_MS" envDefault:"30000"`
	DataStaleAfter       int64 `env:"MONITOR_DATA_STALE_AFTER_MS" envDefault:"5000"`
	BatchThreshold       int   `env:"MONITOR_BATCH_THRESHOLD" envDefault:"32"`

	// Query / live-stream service.
	ListenAddr       string        `env:"MONITOR_LISTEN_ADDR" envDefault:":8090"`
	AdminAddr        string        `env:"MONITOR_ADMIN_ADDR" envDefault:":9091"`
	StreamPollPeriod time.Duration `env:"MONITOR_STREAM_POLL_PERIOD" envDefault:"1s"`

	// Optional best-effort live tap. Disabled when empty.
	RedisAddr      string `env:"MONITOR_REDIS_ADDR"`
	RedisStream    string `env:"MONITOR_REDIS_STREAM" envDefault:"monitor_events"`
	RedisStreamCap int64  `env:"MONITOR_REDIS_STREAM_CAP" envDefault:"10000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the documented defaults without consulting the
// environment. Used by the lazily initialized package-level emitter.
func Default() *Config {
	return &Config{
		LogLevel:             "info",
		DataDir:              "runtime_data",
		FsyncEveryN:          64,
		FsyncEveryMs:         1000,
		WALCheckpointEveryN:  1024,
		BusyTimeoutMs:        5000,
		ConnectionStaleAfter: 30000,
		DataStaleAfter:       5000,
		BatchThreshold:       32,
		ListenAddr:           ":8090",
		AdminAddr:            ":9091",
		StreamPollPeriod:     time.Second,
		RedisStream:          "monitor_events",
		RedisStreamCap:       10000,
	}
}

func (c *Config) FsyncInterval() time.Duration {
	return time.Duration(c.FsyncEveryMs) * time.Millisecond
}

func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}

func (c *Config) ConnectionStaleWindow() time.Duration {
	return time.Duration(c.ConnectionStaleAfter) * time.Millisecond
}

func (c *Config) DataStaleWindow() time.Duration {
	return time.Duration(c.DataStaleAfter) * time.Millisecond
}

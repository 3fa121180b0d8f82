// Package config loads the Watchtower configuration surface: server bind
// address, database URL, accelerator URL, the per-chain RPC endpoint map,
// and the scheduler/broadcaster/watcher/api tuning knobs. It follows
// pkg/config's viper-plus-godotenv shape, widened to the relay's own key
// surface.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"watchtower/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v1.0.0"

type ServerConfig struct {
	Bind            string        `mapstructure:"bind"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type AcceleratorConfig struct {
	URL string `mapstructure:"url"` // empty => use the in-memory backend
}

type SchedulerConfig struct {
	PollIntervalMS         int64 `mapstructure:"poll_interval_ms"`
	LeaseTTLSeconds        int64 `mapstructure:"lease_ttl_seconds"`
	MaxConcurrency         int   `mapstructure:"max_concurrency"`
	RetryMinMS             int64 `mapstructure:"retry_min_ms"`
	RetryMaxMS             int64 `mapstructure:"retry_max_ms"`
	ExpirySoonWindowSec    int64 `mapstructure:"expiry_soon_window_seconds"`
	ExpirySoonRetryMaxMS   int64 `mapstructure:"expiry_soon_retry_max_ms"`
}

type BroadcasterConfig struct {
	Fanout    int   `mapstructure:"fanout"`
	TimeoutMS int64 `mapstructure:"timeout_ms"`
}

type WatcherConfig struct {
	PollIntervalMS int64 `mapstructure:"poll_interval_ms"`
	UseWebsocket   bool  `mapstructure:"use_websocket"`
	// WebsocketURLs maps a chain id (string key, matching rpc.chains) to the
	// ws:// or wss:// endpoint Watcher subscribes newHeads on.
	WebsocketURLs map[string]string `mapstructure:"websocket_urls"`
}

type APIConfig struct {
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the unified Watchtower configuration.
type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Accelerator AcceleratorConfig        `mapstructure:"accelerator"`
	RPC         struct {
		Chains map[string][]string `mapstructure:"chains"`
	} `mapstructure:"rpc"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Broadcaster BroadcasterConfig `mapstructure:"broadcaster"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	API         APIConfig         `mapstructure:"api"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// defaults mirrors the scheduler's backoff defaults and the relay's
// fallback bind address; every field can be overridden by file or
// environment.
func defaults() Config {
	var c Config
	c.Server.Bind = ":8080"
	c.Server.ShutdownTimeout = 15 * time.Second
	c.Database.URL = "watchtower.db"
	c.Scheduler.PollIntervalMS = 1000
	c.Scheduler.LeaseTTLSeconds = 30
	c.Scheduler.MaxConcurrency = 64
	c.Scheduler.RetryMinMS = 250
	c.Scheduler.RetryMaxMS = 60_000
	c.Scheduler.ExpirySoonWindowSec = 60
	c.Scheduler.ExpirySoonRetryMaxMS = 5_000
	c.Broadcaster.Fanout = 3
	c.Broadcaster.TimeoutMS = 4_000
	c.Watcher.PollIntervalMS = 2_000
	c.Watcher.UseWebsocket = true
	c.API.MaxBodyBytes = 1 << 20
	c.Logging.Level = "info"
	return c
}

// Load reads configuration from configPath (YAML), merges environment
// variables loaded from a local .env via godotenv, and applies WATCHTOWER_*
// overrides the way pkg/config.Load merges SYNN_ENV files and AutomaticEnv.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WATCHTOWER")
	v.AutomaticEnv()

	cfg := defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "seed defaults")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("read config %s", configPath))
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, utils.Wrap(err, "unmarshal config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the minimal invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Server.Bind == "" {
		return fmt.Errorf("server.bind is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.RPC.Chains) == 0 {
		return fmt.Errorf("rpc.chains must configure at least one chain")
	}
	if c.Scheduler.RetryMinMS <= 0 || c.Scheduler.RetryMaxMS < c.Scheduler.RetryMinMS {
		return fmt.Errorf("scheduler.retry_min_ms/retry_max_ms misconfigured")
	}
	if c.Broadcaster.Fanout <= 0 {
		return fmt.Errorf("broadcaster.fanout must be positive")
	}
	return nil
}

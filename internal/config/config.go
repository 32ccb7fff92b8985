// Package config loads the Central's configuration from an optional YAML
// file with environment-variable overrides (EVC_*). Missing file and empty
// environment both yield working defaults for a local deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Registry  RegistryConfig  `yaml:"registry"`
	Events    EventsConfig    `yaml:"events"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	// TCP listen address for agent connections.
	Listen string `yaml:"listen"`
	// Per-read deadline; a timeout is not an error, it just re-checks for
	// shutdown.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Deadline applied to every outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type SessionConfig struct {
	// Nominal full-session duration used to estimate delivery when a
	// session ends before any meter report arrived.
	NominalDuration time.Duration `yaml:"nominal_duration"`
}

type RegistryConfig struct {
	// Base URL of the external CP registry; empty disables the poller.
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type EventsConfig struct {
	// Redis address for the audit event publisher; empty keeps events
	// in-process only.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	// Google Cloud Pub/Sub mirror; set the project to enable it. The
	// topic falls back to a service default when empty.
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type DashboardConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       "0.0.0.0:5000",
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		HTTP:    HTTPConfig{Listen: ":8080"},
		Storage: StorageConfig{DataDir: "data"},
		Session: SessionConfig{NominalDuration: 14 * time.Second},
		Registry: RegistryConfig{
			PollInterval: 10 * time.Second,
		},
		Events: EventsConfig{
			ChannelPrefix: "evcharging",
		},
		Dashboard: DashboardConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr(&c.Server.Listen, "EVC_LISTEN")
	setStr(&c.HTTP.Listen, "EVC_HTTP_LISTEN")
	setStr(&c.Storage.DataDir, "EVC_DATA_DIR")
	setStr(&c.Registry.URL, "EVC_REGISTRY_URL")
	setDur(&c.Registry.PollInterval, "EVC_REGISTRY_POLL_INTERVAL")
	setStr(&c.Events.RedisAddr, "EVC_REDIS_ADDR")
	setStr(&c.Events.RedisPassword, "EVC_REDIS_PASSWORD")
	if v := os.Getenv("EVC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.RedisDB = n
		}
	}
	setStr(&c.Events.PubSubProject, "EVC_PUBSUB_PROJECT")
	setStr(&c.Events.PubSubTopic, "EVC_PUBSUB_TOPIC")
	setDur(&c.Session.NominalDuration, "EVC_NOMINAL_DURATION")
	setDur(&c.Dashboard.Interval, "EVC_DASHBOARD_INTERVAL")
	if v := os.Getenv("EVC_DASHBOARD"); v != "" {
		c.Dashboard.Enabled = v != "0" && v != "false"
	}
	setStr(&c.Log.Level, "EVC_LOG_LEVEL")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Session.NominalDuration <= 0 {
		return fmt.Errorf("session.nominal_duration must be positive")
	}
	if c.Registry.URL != "" && c.Registry.PollInterval <= 0 {
		return fmt.Errorf("registry.poll_interval must be positive when registry.url is set")
	}
	if c.Dashboard.Enabled && c.Dashboard.Interval <= 0 {
		return fmt.Errorf("dashboard.interval must be positive")
	}
	return nil
}

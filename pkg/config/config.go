// Package config loads webtap settings from file, environment and flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-webtap/webtap/pkg/eventbus"
	"github.com/go-webtap/webtap/pkg/provider"
	"github.com/go-webtap/webtap/pkg/reconcile"
)

// Monitor tunes the reconciliation poll loop.
type Monitor struct {
	PollInterval        time.Duration `mapstructure:"poll-interval"`
	Grace               time.Duration `mapstructure:"grace"`
	IdleCutoff          time.Duration `mapstructure:"idle-cutoff"`
	HardTimeout         time.Duration `mapstructure:"hard-timeout"`
	SettleConfirmations int           `mapstructure:"settle-confirmations"`
}

// Config is the full runtime configuration.
type Config struct {
	Listen   string            `mapstructure:"listen"`
	DataDir  string            `mapstructure:"data-dir"`
	Database string            `mapstructure:"database"`
	Headless bool              `mapstructure:"headless"`
	LogLevel string            `mapstructure:"log-level"`
	Monitor  Monitor           `mapstructure:"monitor"`
	Redis    eventbus.Settings `mapstructure:"redis"`
	// Providers patches the builtin profile tables per provider name.
	Providers map[string]provider.Override `mapstructure:"providers"`
}

func (c *Config) MonitorOptions() reconcile.Options {
	return reconcile.Options{
		PollInterval:        c.Monitor.PollInterval,
		Grace:               c.Monitor.Grace,
		IdleCutoff:          c.Monitor.IdleCutoff,
		HardTimeout:         c.Monitor.HardTimeout,
		SettleConfirmations: c.Monitor.SettleConfirmations,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".webtap"
	}
	return filepath.Join(home, ".local", "share", "webtap")
}

// Load reads the config file (explicit path, or the default search path),
// applies WEBTAP_* environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "webtap"))
		}
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("WEBTAP")
	v.AutomaticEnv()

	v.SetDefault("listen", ":8090")
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("database", filepath.Join(defaultDataDir(), "webtap.db"))
	v.SetDefault("headless", true)
	v.SetDefault("log-level", "info")
	v.SetDefault("monitor.poll-interval", "100ms")
	v.SetDefault("monitor.grace", "1500ms")
	v.SetDefault("monitor.idle-cutoff", "20s")
	v.SetDefault("monitor.hard-timeout", "120s")
	v.SetDefault("monitor.settle-confirmations", 2)
	v.SetDefault("redis.redis-enabled", false)
	v.SetDefault("redis.redis-addr", "localhost:6379")

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, errors.Wrap(err, "read config")
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

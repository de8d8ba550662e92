// Package config loads checker configuration in layers: built-in defaults,
// then an optional YAML file, then MOIRA_* environment variables. The merged
// result is validated before use.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/checker"
	"github.com/moira-alert/checker/metrics"
	"github.com/moira-alert/checker/redis"
)

const envPrefix = "MOIRA_"

type Redis struct {
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	DBID     int    `koanf:"dbid" validate:"min=0"`
	Password string `koanf:"password"`
}

type Checker struct {
	NoDataCheckInterval  int64 `koanf:"nodata_check_interval" validate:"min=1"`
	CheckInterval        int64 `koanf:"check_interval" validate:"min=1"`
	MetricsTTL           int64 `koanf:"metrics_ttl" validate:"min=60"`
	StopCheckingInterval int64 `koanf:"stop_checking_interval" validate:"min=1"`
	CheckLockTTL         int64 `koanf:"check_lock_ttl" validate:"min=1"`
}

type Graphite struct {
	Enabled  bool     `koanf:"enabled"`
	URIs     []string `koanf:"uri"`
	Prefix   string   `koanf:"prefix"`
	Interval int64    `koanf:"interval" validate:"min=1"`
}

type Config struct {
	Redis             Redis            `koanf:"redis"`
	Checker           Checker          `koanf:"checker"`
	Graphite          Graphite         `koanf:"graphite"`
	BadStatesReminder map[string]int64 `koanf:"bad_states_reminder"`
	LogLevel          string           `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// Default mirrors the documented defaults.
func Default() Config {
	return Config{
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Checker: Checker{
			NoDataCheckInterval:  60,
			CheckInterval:        5,
			MetricsTTL:           3600,
			StopCheckingInterval: 30,
			CheckLockTTL:         30,
		},
		Graphite: Graphite{
			Prefix:   "DevOps",
			Interval: 60,
		},
		BadStatesReminder: map[string]int64{
			moira.ERROR:  86400,
			moira.NODATA: 86400,
		},
		LogLevel: "info",
	}
}

// Load merges defaults, the optional YAML file at path and MOIRA_* variables.
// Double underscores in variable names separate nesting levels, so
// MOIRA_CHECKER__METRICS_TTL maps to checker.metrics_ttl.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// RedisOptions adapts the store section to the connection layer.
func (c *Config) RedisOptions() redis.Options {
	return redis.Options{
		Address:  fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port),
		Password: c.Redis.Password,
		DB:       c.Redis.DBID,
	}
}

// CheckerConfig adapts the checker section.
func (c *Config) CheckerConfig() *checker.Config {
	return &checker.Config{
		MetricsTTL:           c.Checker.MetricsTTL,
		CheckInterval:        time.Duration(c.Checker.CheckInterval) * time.Second,
		NoDataCheckInterval:  time.Duration(c.Checker.NoDataCheckInterval) * time.Second,
		StopCheckingInterval: c.Checker.StopCheckingInterval,
		LockTimeout:          10 * time.Second,
		BadStatesReminder:    c.BadStatesReminder,
	}
}

// GraphiteConfig adapts the self-metrics section.
func (c *Config) GraphiteConfig() metrics.GraphiteConfig {
	return metrics.GraphiteConfig{
		Enabled:  c.Graphite.Enabled,
		URIs:     c.Graphite.URIs,
		Prefix:   c.Graphite.Prefix,
		Interval: time.Duration(c.Graphite.Interval) * time.Second,
	}
}

// LockTTL is the store-side lock expiry.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Checker.CheckLockTTL) * time.Second
}

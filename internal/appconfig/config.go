// Package appconfig loads the process configuration file.
package appconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultListen          = ":8080"
	DefaultDatabase        = "dailyspread.db"
	DefaultCron            = "*/5 * * * *"
	DefaultFetchTimeout    = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Config is the file format. Durations are Go duration strings.
type Config struct {
	Listen   string    `json:"listen"`
	Database string    `json:"database"`
	Log      LogConfig `json:"log"`
	Refresh  Refresh   `json:"refresh"`
	Fetch    Fetch     `json:"fetch"`
	// ShutdownTimeout bounds graceful shutdown of the HTTP server and the last cycle.
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// Refresh controls when refresh cycles run. The scheduling tunables themselves live in the
// settings table.
type Refresh struct {
	// Cron is a standard five field cron spec, optionally with a CRON_TZ= prefix.
	Cron string `json:"cron"`
	// Salt is mixed into every slot hash; changing it reshuffles all feeds.
	Salt       string `json:"salt"`
	RunOnStart bool   `json:"run_on_start"`
}

type Fetch struct {
	Timeout   string  `json:"timeout"`
	UserAgent string  `json:"user_agent"`
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (YAML or JSON by extension), rejects unknown fields, fills defaults and
// validates the result. An empty path yields Default().
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config %s: trailing data", path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = DefaultDatabase
	}
	if strings.TrimSpace(c.Refresh.Cron) == "" {
		c.Refresh.Cron = DefaultCron
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Fetch.Burst <= 0 {
		c.Fetch.Burst = 1
	}
}

// Validate checks durations, the cron spec and the log level.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseDurationField("fetch.timeout", c.Fetch.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("shutdown_timeout", c.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
		errs = append(errs, fmt.Errorf("refresh.cron: invalid spec %q: %w", c.Refresh.Cron, err))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Fetch.PerSecond < 0 {
		errs = append(errs, errors.New("fetch.per_second: must be >= 0"))
	}

	return errors.Join(errs...)
}

// FetchTimeout is the per request fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("fetch.timeout", c.Fetch.Timeout, DefaultFetchTimeout)
	return d
}

// Shutdown is the graceful shutdown budget.
func (c *Config) Shutdown() time.Duration {
	d, _ := ParseDurationOrDefault("shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	return d
}

// LogLevel maps the configured level name to a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

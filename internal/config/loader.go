package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HyphaGroup/vigil/internal/cleanup"
)

// EnvConfigPath names the environment variable that points at a config file
const EnvConfigPath = "VIGIL_CONFIG"

// configNames are the file names searched for, in order
var configNames = []string{"vigil.jsonc", "vigil.yaml", "vigil.yml"}

// Config is the single configuration file for vigil
type Config struct {
	Server     ServerSection     `json:"server" yaml:"server"`
	Execution  ExecutionSection  `json:"execution" yaml:"execution"`
	Live       LiveSection       `json:"live" yaml:"live"`
	Screencast ScreencastSection `json:"screencast" yaml:"screencast"`
	History    HistorySection    `json:"history" yaml:"history"`
	Relay      RelaySection      `json:"relay" yaml:"relay"`
	RateLimit  RateLimitSection  `json:"rate_limit" yaml:"rate_limit"`
	Logging    LoggingSection    `json:"logging" yaml:"logging"`

	// Path is the file the config was loaded from; empty for defaults
	Path string `json:"-" yaml:"-"`
}

// ServerSection contains server configuration
type ServerSection struct {
	Address string `json:"address" yaml:"address"`
}

// ExecutionSection contains run defaults and limits
type ExecutionSection struct {
	DefaultStepBudget  int `json:"default_step_budget" yaml:"default_step_budget"`
	StepTimeoutSeconds int `json:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	MaxConcurrentRuns  int `json:"max_concurrent_runs" yaml:"max_concurrent_runs"` // 0 = unlimited
	MaxStepBudget      int `json:"max_step_budget" yaml:"max_step_budget"`         // 0 = unlimited
}

// LiveSection configures the live event broadcast
type LiveSection struct {
	LogCacheSize         int `json:"log_cache_size" yaml:"log_cache_size"`
	SubscriberBuffer     int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	ScreenshotIntervalMS int `json:"screenshot_interval_ms" yaml:"screenshot_interval_ms"` // 0 disables polling
	PingIntervalSeconds  int `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
}

// ScreencastSection configures frame producers
type ScreencastSection struct {
	Format        string  `json:"format" yaml:"format"`
	Quality       int     `json:"quality" yaml:"quality"`
	MaxWidth      int     `json:"max_width" yaml:"max_width"`
	MaxHeight     int     `json:"max_height" yaml:"max_height"`
	EveryNthFrame int     `json:"every_nth_frame" yaml:"every_nth_frame"`
	MaxFPS        float64 `json:"max_fps" yaml:"max_fps"` // 0 = unpaced
}

// HistorySection configures run history persistence
type HistorySection struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Database       string `json:"database" yaml:"database"`
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
	SweepCron      string `json:"sweep_cron" yaml:"sweep_cron"`
}

// RelaySection configures the cross-instance control relay
type RelaySection struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`
	Channel    string `json:"channel" yaml:"channel"`
	InstanceID string `json:"instance_id" yaml:"instance_id"`
}

// RateLimitSection configures per-client HTTP rate limiting
type RateLimitSection struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LoggingSection configures log output
type LoggingSection struct {
	JSON  bool   `json:"json" yaml:"json"`
	Debug bool   `json:"debug" yaml:"debug"`
	Dir   string `json:"dir" yaml:"dir"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerSection{Address: ":8080"},
		Execution: ExecutionSection{
			DefaultStepBudget:  20,
			StepTimeoutSeconds: 60,
			MaxStepBudget:      500,
		},
		Live: LiveSection{
			LogCacheSize:         100,
			SubscriberBuffer:     64,
			ScreenshotIntervalMS: 1000,
			PingIntervalSeconds:  30,
		},
		Screencast: ScreencastSection{
			Format:        "jpeg",
			Quality:       60,
			MaxWidth:      1280,
			MaxHeight:     720,
			EveryNthFrame: 2,
		},
		History: HistorySection{
			Enabled:        true,
			Database:       filepath.Join("data", "vigil.db"),
			RetentionHours: 168,
			SweepCron:      "0 * * * *",
		},
		Relay: RelaySection{
			RedisAddr: "localhost:6379",
			Channel:   "vigil:control",
		},
		RateLimit: RateLimitSection{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingSection{Dir: "logs"},
	}
}

// FindConfigPath returns the config file to load using precedence:
// 1. explicit (the --config flag)
// 2. $VIGIL_CONFIG
// 3. ./config/vigil.{jsonc,yaml,yml} (project-local)
// 4. ~/.vigil/config/vigil.{jsonc,yaml,yml} (user global)
// An empty path with a nil error means no file exists and defaults apply.
func FindConfigPath(explicit string) (string, error) {
	for _, path := range []string{explicit, os.Getenv(EnvConfigPath)} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return absPath(path), nil
	}

	dirs := []string{"config"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(homeDir, ".vigil", "config"))
	}
	for _, dir := range dirs {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return absPath(path), nil
			}
		}
	}
	return "", nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load reads the config file at path, layering it over Default. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(StripJSONComments(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Path = path

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Address == "" {
		cfg.Server.Address = def.Server.Address
	}
	if cfg.Screencast.Format == "" {
		cfg.Screencast.Format = def.Screencast.Format
	}
	if cfg.History.Database == "" {
		cfg.History.Database = def.History.Database
	}
	if cfg.History.SweepCron == "" {
		cfg.History.SweepCron = def.History.SweepCron
	}
	if cfg.Relay.Channel == "" {
		cfg.Relay.Channel = def.Relay.Channel
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = def.Logging.Dir
	}
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Execution.DefaultStepBudget > 0, "execution.default_step_budget must be positive")
	check(c.Execution.StepTimeoutSeconds > 0, "execution.step_timeout_seconds must be positive")
	check(c.Execution.MaxConcurrentRuns >= 0, "execution.max_concurrent_runs must not be negative")
	check(c.Execution.MaxStepBudget == 0 || c.Execution.MaxStepBudget >= c.Execution.DefaultStepBudget,
		"execution.max_step_budget must not be below default_step_budget")
	check(c.Live.LogCacheSize > 0, "live.log_cache_size must be positive")
	check(c.Live.SubscriberBuffer > 0, "live.subscriber_buffer must be positive")
	check(c.Live.ScreenshotIntervalMS >= 0, "live.screenshot_interval_ms must not be negative")
	check(c.Live.PingIntervalSeconds >= 0, "live.ping_interval_seconds must not be negative")
	check(c.Screencast.Format == "jpeg" || c.Screencast.Format == "png",
		"screencast.format must be jpeg or png, got %q", c.Screencast.Format)
	check(c.Screencast.Quality >= 0 && c.Screencast.Quality <= 100, "screencast.quality must be 0-100")
	check(c.Screencast.EveryNthFrame >= 1, "screencast.every_nth_frame must be at least 1")
	check(c.Screencast.MaxFPS >= 0, "screencast.max_fps must not be negative")
	check(c.RateLimit.RequestsPerSecond >= 0, "rate_limit.requests_per_second must not be negative")
	check(c.RateLimit.Burst >= 0, "rate_limit.burst must not be negative")

	if c.History.Enabled {
		check(c.History.RetentionHours > 0, "history.retention_hours must be positive")
		if err := cleanup.ValidateCron(c.History.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("history.sweep_cron: %w", err))
		}
	}
	if c.Relay.Enabled {
		check(c.Relay.RedisAddr != "", "relay.redis_addr is required when the relay is enabled")
	}
	return errors.Join(errs...)
}

// StepTimeout returns the per-step timeout as a duration
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Execution.StepTimeoutSeconds) * time.Second
}

// ScreenshotInterval returns the screenshot poll interval; zero disables polling
func (c *Config) ScreenshotInterval() time.Duration {
	return time.Duration(c.Live.ScreenshotIntervalMS) * time.Millisecond
}

// PingInterval returns the websocket keepalive interval
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Live.PingIntervalSeconds) * time.Second
}

// Retention returns how long finished runs are kept in history
func (c *Config) Retention() time.Duration {
	return time.Duration(c.History.RetentionHours) * time.Hour
}

// Package config loads the process configuration from YAML or JSON, watches
// the file for changes and republishes validated updates to subscribers.
// Secrets (bot token, API keys, DSN) may be overridden from the environment.
package config

import (
	"fmt"
	"time"

	"worklog/internal/dispatch"
	"worklog/internal/ratelimit"
	"worklog/internal/retrypolicy"
	"worklog/internal/scheduler"
	"worklog/internal/storage"
	logx "worklog/pkg/logx"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Timezone  TimezoneConfig  `json:"timezone"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`

	// Jobs overrides trigger specs per job id so deployments can move jobs
	// without a rebuild. Unknown ids are rejected at startup.
	Jobs map[string]JobOverride `json:"jobs,omitempty"`
}

type TelegramConfig struct {
	Token         string `json:"token,omitempty" env:"WORKLOG_TELEGRAM_TOKEN"`
	ServiceChatID int64  `json:"service_chat_id,omitempty" env:"WORKLOG_SERVICE_CHAT_ID"`
	PollTimeout   string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" env:"WORKLOG_DATABASE_DSN"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

func (c StorageConfig) ToStorage() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, DSN: c.DSN, BusyTimeout: busy}, nil
}

type LimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

type RateLimitConfig struct {
	Default LimitConfig            `json:"default,omitempty"`
	Classes map[string]LimitConfig `json:"classes,omitempty"`
}

// ToRateLimit builds the governor config. An empty section yields the
// built-in production limits; configured classes override them one by one.
func (c RateLimitConfig) ToRateLimit() (ratelimit.Config, error) {
	out := ratelimit.DefaultConfig()
	if c.Default.Max > 0 {
		w, err := ParseDurationOrDefault("rate_limit.default.window", c.Default.Window, time.Minute)
		if err != nil {
			return ratelimit.Config{}, err
		}
		out.Default = ratelimit.Limit{Max: c.Default.Max, Window: w}
	}
	for class, lc := range c.Classes {
		if lc.Max <= 0 {
			return ratelimit.Config{}, fmt.Errorf("rate_limit.classes.%s: max must be positive", class)
		}
		w, err := ParseDurationOrDefault("rate_limit.classes."+class+".window", lc.Window, time.Minute)
		if err != nil {
			return ratelimit.Config{}, err
		}
		out.Classes[class] = ratelimit.Limit{Max: lc.Max, Window: w}
	}
	return out, nil
}

type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	Tick           string `json:"tick,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

func (c SchedulerConfig) ToScheduler() (scheduler.Config, error) {
	tick, err := ParseDurationOrDefault("scheduler.tick", c.Tick, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := ParseDurationField("scheduler.default_timeout", c.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:       c.Timezone,
		Tick:           tick,
		DefaultTimeout: timeout,
		HistorySize:    c.HistorySize,
	}, nil
}

// JobOverride adjusts one registered job without a code change.
type JobOverride struct {
	Spec     string `json:"spec,omitempty"`
	Zone     string `json:"zone,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Base        string  `json:"base,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

func (c RetryConfig) ToPolicy(section string) (retrypolicy.Policy, error) {
	p := retrypolicy.Default()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	base, err := ParseDurationOrDefault(section+".base", c.Base, p.Base)
	if err != nil {
		return retrypolicy.Policy{}, err
	}
	maxDelay, err := ParseDurationOrDefault(section+".max_delay", c.MaxDelay, p.MaxDelay)
	if err != nil {
		return retrypolicy.Policy{}, err
	}
	p.Base = base
	p.MaxDelay = maxDelay
	if c.Multiplier > 1 {
		p.Multiplier = c.Multiplier
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	return p, nil
}

type TimezoneConfig struct {
	APIKey       string      `json:"api_key,omitempty" env:"WORKLOG_TIMEZONEDB_KEY"`
	BaseURL      string      `json:"base_url,omitempty"`
	SyncInterval string      `json:"sync_interval,omitempty"`
	Retry        RetryConfig `json:"retry,omitempty"`
}

type DispatchConfig struct {
	Workers         int         `json:"workers,omitempty"`
	QueueSize       int         `json:"queue_size,omitempty"`
	RatePerSec      int         `json:"rate_per_sec,omitempty"`
	DedupWindow     string      `json:"dedup_window,omitempty"`
	DedupMaxEntries int         `json:"dedup_max_entries,omitempty"`
	Retry           RetryConfig `json:"retry,omitempty"`
}

func (c DispatchConfig) ToDispatch() (dispatch.Config, error) {
	window, err := ParseDurationField("dispatch.dedup_window", c.DedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	policy, err := c.Retry.ToPolicy("dispatch.retry")
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:         c.Workers,
		QueueSize:       c.QueueSize,
		RatePerSec:      c.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: c.DedupMaxEntries,
		Retry:           policy,
	}, nil
}

type HealthConfig struct {
	Addr         string `json:"addr,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
	StaleFactor  int    `json:"stale_factor,omitempty"`
}

// Validate checks field constraints the strict decoder cannot, mostly
// duration strings. Called before a loaded or reloaded config is committed.
func (c *Config) Validate() error {
	if _, err := c.Storage.ToStorage(); err != nil {
		return err
	}
	if _, err := c.RateLimit.ToRateLimit(); err != nil {
		return err
	}
	if _, err := c.Scheduler.ToScheduler(); err != nil {
		return err
	}
	if _, err := c.Dispatch.ToDispatch(); err != nil {
		return err
	}
	if _, err := ParseDurationField("timezone.sync_interval", c.Timezone.SyncInterval); err != nil {
		return err
	}
	if _, err := c.Timezone.Retry.ToPolicy("timezone.retry"); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.probe_timeout", c.Health.ProbeTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	return nil
}

// Package config loads the optional YAML configuration file. Command-line
// flags in main take precedence over anything set here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// File mirrors the YAML layout. Durations are strings ("500ms", "1m")
// parsed into Config after unmarshalling.
type File struct {
	HTTPAddr string `yaml:"http_addr"`
	DBPath   string `yaml:"db_path"`

	Redis struct {
		Addr string `yaml:"addr"` // empty = in-memory snapshot cache
	} `yaml:"redis"`

	Scheduler struct {
		ReconcileInterval string `yaml:"reconcile_interval"`
	} `yaml:"scheduler"`

	Dispatcher struct {
		Mode          string `yaml:"mode"` // stub | http | internal
		MaxConcurrent int    `yaml:"max_concurrent"`
		RemoteBaseURL string `yaml:"remote_base_url"`
		RemoteAPIKey  string `yaml:"remote_api_key"`
		RemoteTimeout string `yaml:"remote_timeout"`
		MaxRetries    int    `yaml:"max_retries"`
		RetryBase     string `yaml:"retry_base"`
		RetryCap      string `yaml:"retry_cap"`
	} `yaml:"dispatcher"`

	Limiter struct {
		MaxConcurrent int    `yaml:"max_concurrent"`
		MinInterval   string `yaml:"min_interval"`
		CallTimeout   string `yaml:"call_timeout"`
	} `yaml:"limiter"`

	Snapshots struct {
		StatusTTL     string `yaml:"status_ttl"`
		ProgressTTL   string `yaml:"progress_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"snapshots"`
}

// Config is the parsed, defaulted runtime configuration.
type Config struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string

	ReconcileInterval time.Duration

	BackendMode      string
	MaxExecutions    int
	RemoteBaseURL    string
	RemoteAPIKey     string
	RemoteTimeout    time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	RetryCap         time.Duration

	LimiterMaxConcurrent int
	LimiterMinInterval   time.Duration
	LimiterCallTimeout   time.Duration

	StatusTTL     time.Duration
	ProgressTTL   time.Duration
	SweepInterval time.Duration
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		DBPath:               "reportflow.db",
		ReconcileInterval:    60 * time.Second,
		BackendMode:          "stub",
		MaxExecutions:        4,
		RemoteTimeout:        60 * time.Second,
		MaxRetries:           3,
		RetryBase:            time.Second,
		RetryCap:             30 * time.Second,
		LimiterMaxConcurrent: 1,
		LimiterMinInterval:   time.Second,
		LimiterCallTimeout:   2 * time.Minute,
		StatusTTL:            24 * time.Hour,
		ProgressTTL:          time.Hour,
		SweepInterval:        time.Hour,
	}
}

// Load reads path and overlays it onto the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if f.HTTPAddr != "" {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	cfg.RedisAddr = f.Redis.Addr
	if f.Dispatcher.Mode != "" {
		cfg.BackendMode = f.Dispatcher.Mode
	}
	if f.Dispatcher.MaxConcurrent > 0 {
		cfg.MaxExecutions = f.Dispatcher.MaxConcurrent
	}
	cfg.RemoteBaseURL = f.Dispatcher.RemoteBaseURL
	cfg.RemoteAPIKey = f.Dispatcher.RemoteAPIKey
	if f.Dispatcher.MaxRetries > 0 {
		cfg.MaxRetries = f.Dispatcher.MaxRetries
	}
	if f.Limiter.MaxConcurrent > 0 {
		cfg.LimiterMaxConcurrent = f.Limiter.MaxConcurrent
	}

	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.reconcile_interval", f.Scheduler.ReconcileInterval, &cfg.ReconcileInterval},
		{"dispatcher.remote_timeout", f.Dispatcher.RemoteTimeout, &cfg.RemoteTimeout},
		{"dispatcher.retry_base", f.Dispatcher.RetryBase, &cfg.RetryBase},
		{"dispatcher.retry_cap", f.Dispatcher.RetryCap, &cfg.RetryCap},
		{"limiter.min_interval", f.Limiter.MinInterval, &cfg.LimiterMinInterval},
		{"limiter.call_timeout", f.Limiter.CallTimeout, &cfg.LimiterCallTimeout},
		{"snapshots.status_ttl", f.Snapshots.StatusTTL, &cfg.StatusTTL},
		{"snapshots.progress_ttl", f.Snapshots.ProgressTTL, &cfg.ProgressTTL},
		{"snapshots.sweep_interval", f.Snapshots.SweepInterval, &cfg.SweepInterval},
	} {
		v, err := parseDuration(d.path, d.raw, *d.dst)
		if err != nil {
			return cfg, err
		}
		*d.dst = v
	}
	return cfg, nil
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
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

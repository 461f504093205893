// Package config loads the daemon's YAML configuration and resolves default
// paths, falling back to per-user locations when the daemon is not root.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lunasched/lunasched/internal/job"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	// Jobs declared statically in the config file. Admitted at startup with
	// owner root and re-admitted when the file changes.
	Jobs []StaticJob `yaml:"jobs"`
}

// ServerConfig tunes the scheduling engine and the control socket.
type ServerConfig struct {
	TickIntervalMS    int    `yaml:"tick_interval_ms"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	DataDir           string `yaml:"data_dir"`
	SocketPath        string `yaml:"socket_path"`
}

// LoggingConfig selects level, format and log file targets.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	Output     string `yaml:"output"`
	JobsOutput string `yaml:"jobs_output"`
}

// RetentionConfig bounds the persisted execution history.
type RetentionConfig struct {
	HistoryDays      int `yaml:"history_days"`
	MaxHistoryPerJob int `yaml:"max_history_per_job"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StaticJob is a config-file job declaration. The schedule is the same
// human-readable string the CLI accepts.
type StaticJob struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Schedule string            `yaml:"schedule"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Enabled  *bool             `yaml:"enabled"`
	Timezone string            `yaml:"timezone"`

	MaxRetries     uint32   `yaml:"max_retries"`
	TimeoutSeconds *uint64  `yaml:"timeout_seconds"`
	JitterSeconds  uint64   `yaml:"jitter_seconds"`
	Tags           []string `yaml:"tags"`
	OnSuccess      string   `yaml:"on_success"`
	OnFailure      string   `yaml:"on_failure"`
}

// Default returns the built-in configuration for the current user.
func Default() *Config {
	paths := DefaultPaths()
	return &Config{
		Server: ServerConfig{
			TickIntervalMS:    1000,
			MaxConcurrentJobs: 10,
			DataDir:           paths.DataDir,
			SocketPath:        paths.SocketPath,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     paths.DaemonLog,
			JobsOutput: paths.JobsLog,
		},
		Retention: RetentionConfig{
			HistoryDays:      30,
			MaxHistoryPerJob: 100,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9469,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.TickIntervalMS <= 0 {
		return fmt.Errorf("server.tick_interval_ms must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Retention.HistoryDays < 0 || c.Retention.MaxHistoryPerJob < 0 {
		return fmt.Errorf("retention values must not be negative")
	}
	for i := range c.Jobs {
		if c.Jobs[i].ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if c.Jobs[i].Schedule == "" {
			return fmt.Errorf("job %q: schedule is required", c.Jobs[i].ID)
		}
		if c.Jobs[i].Command == "" {
			return fmt.Errorf("job %q: command is required", c.Jobs[i].ID)
		}
	}
	return nil
}

// DBPath is the SQLite store file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.Server.DataDir, "lunasched.db")
}

// ToJob converts a static declaration into a job owned by root.
func (s *StaticJob) ToJob() (*job.Job, error) {
	sched, err := job.ParseSchedule(s.Schedule)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", s.ID, err)
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	j := &job.Job{
		ID:       job.ID(s.ID),
		Name:     name,
		Schedule: sched,
		Command:  s.Command,
		Args:     s.Args,
		Env:      s.Env,
		Enabled:  enabled,
		Owner:    "root",
		RetryPolicy: job.RetryPolicy{
			MaxAttempts: s.MaxRetries,
		},
		ResourceLimits: job.ResourceLimits{TimeoutSeconds: s.TimeoutSeconds},
		JitterSeconds:  s.JitterSeconds,
		Tags:           s.Tags,
		Hooks:          job.Hooks{OnSuccess: s.OnSuccess, OnFailure: s.OnFailure},
	}
	if s.Timezone != "" {
		tz := s.Timezone
		j.Timezone = &tz
	}
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

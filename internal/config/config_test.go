package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lunasched/lunasched/internal/job"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lunasched.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.TickIntervalMS != 1000 {
		t.Errorf("tick = %d, want 1000", cfg.Server.TickIntervalMS)
	}
	if cfg.Server.MaxConcurrentJobs != 10 {
		t.Errorf("max concurrent = %d, want 10", cfg.Server.MaxConcurrentJobs)
	}
	if cfg.Retention.HistoryDays != 30 || cfg.Retention.MaxHistoryPerJob != 100 {
		t.Errorf("retention = %d/%d, want 30/100", cfg.Retention.HistoryDays, cfg.Retention.MaxHistoryPerJob)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %s/%s, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Server.SocketPath == "" || cfg.Server.DataDir == "" {
		t.Error("paths must have defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  tick_interval_ms: 500
  socket_path: /tmp/test.sock
logging:
  level: debug
  format: json
retention:
  history_days: 7
  max_history_per_job: 10
metrics:
  enabled: true
  port: 9999
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.TickIntervalMS != 500 {
		t.Errorf("tick = %d, want 500", cfg.Server.TickIntervalMS)
	}
	if cfg.Server.SocketPath != "/tmp/test.sock" {
		t.Errorf("socket = %q", cfg.Server.SocketPath)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %s/%s, want debug/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Port != 9999 {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.MaxConcurrentJobs != 10 {
		t.Errorf("max concurrent = %d, want default 10", cfg.Server.MaxConcurrentJobs)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"zero tick", "server:\n  tick_interval_ms: 0\n"},
		{"job missing schedule", "jobs:\n  - id: a\n    command: /bin/true\n"},
		{"job missing command", "jobs:\n  - id: a\n    schedule: every 5s\n"},
		{"job missing id", "jobs:\n  - schedule: every 5s\n    command: /bin/true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/lunasched.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStaticJobConversion(t *testing.T) {
	path := writeConfig(t, `
jobs:
  - id: heartbeat
    schedule: every 30s
    command: /usr/bin/curl
    args: ["-fsS", "https://example.com/ping"]
    max_retries: 2
    timeout_seconds: 10
    jitter_seconds: 3
    tags: [monitoring]
    on_failure: "echo down"
  - id: report
    name: weekly report
    schedule: on Mon at 09:00
    command: /usr/local/bin/report
    timezone: Europe/Berlin
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(cfg.Jobs))
	}

	hb, err := cfg.Jobs[0].ToJob()
	if err != nil {
		t.Fatalf("ToJob: %v", err)
	}
	if hb.Owner != "root" {
		t.Errorf("owner = %q, want root", hb.Owner)
	}
	if hb.Schedule.Kind != job.ScheduleEvery || hb.Schedule.Every != 30 {
		t.Errorf("schedule = %+v", hb.Schedule)
	}
	if hb.RetryPolicy.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", hb.RetryPolicy.MaxAttempts)
	}
	if hb.ResourceLimits.TimeoutSeconds == nil || *hb.ResourceLimits.TimeoutSeconds != 10 {
		t.Error("timeout not carried")
	}
	if !hb.Enabled {
		t.Error("enabled should default to true")
	}
	if hb.Name != "heartbeat" {
		t.Errorf("name = %q, want id fallback", hb.Name)
	}

	rp, err := cfg.Jobs[1].ToJob()
	if err != nil {
		t.Fatalf("ToJob: %v", err)
	}
	if rp.Enabled {
		t.Error("explicit enabled: false ignored")
	}
	if rp.Timezone == nil || *rp.Timezone != "Europe/Berlin" {
		t.Error("timezone not carried")
	}
	if rp.Schedule.Kind != job.ScheduleCalendar {
		t.Errorf("schedule kind = %q, want Calendar", rp.Schedule.Kind)
	}
	if rp.Name != "weekly report" {
		t.Errorf("name = %q", rp.Name)
	}
}

func TestStaticJobInvalidSchedule(t *testing.T) {
	s := StaticJob{ID: "x", Schedule: "every 5d", Command: "/bin/true"}
	if _, err := s.ToJob(); err == nil {
		t.Error("expected error for bad schedule")
	}
}

func TestDBPath(t *testing.T) {
	cfg := Default()
	cfg.Server.DataDir = "/var/lib/lunasched"
	if got := cfg.DBPath(); got != "/var/lib/lunasched/lunasched.db" {
		t.Errorf("DBPath = %q", got)
	}
}

func TestLogPathOverride(t *testing.T) {
	t.Setenv("LUNASCHED_LOG", "/tmp/custom.log")
	p := DefaultPaths()
	if p.DaemonLog != "/tmp/custom.log" {
		t.Errorf("daemon log = %q, want override", p.DaemonLog)
	}
}

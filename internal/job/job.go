// Package job defines the job model shared by the daemon, the store and the
// CLI client: what a job runs, when it runs, and how failures are handled.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// ID is the unique key of a job. Opaque, non-empty.
type ID string

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "Fixed"
	BackoffLinear      BackoffStrategy = "Linear"
	BackoffExponential BackoffStrategy = "Exponential"
)

// Priority is advisory ordering metadata. The scheduler stores it and the
// client displays it; dispatch order within a tick is unspecified.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// ExecutionMode describes concurrency intent. Sequential is enforced by the
// running-jobs gate; Parallel and Exclusive round-trip but behave as
// Sequential.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "Sequential"
	ModeParallel   ExecutionMode = "Parallel"
	ModeExclusive  ExecutionMode = "Exclusive"
)

// ClockTime is a wall-clock time of day. It serializes as the three-element
// array [hour, minute, second].
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{c.Hour, c.Minute, c.Second})
}

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var v [3]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.Hour, c.Minute, c.Second = v[0], v[1], v[2]
	return nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// NthWeekday selects the n-th occurrence week of a weekday within a month,
// counted by calendar week: ((day-1)/7)+1. Serializes as [n, weekday].
type NthWeekday struct {
	N       int // 1..4
	Weekday int // ISO: 1=Monday .. 7=Sunday
}

func (n NthWeekday) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{n.N, n.Weekday})
}

func (n *NthWeekday) UnmarshalJSON(data []byte) error {
	var v [2]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.N, n.Weekday = v[0], v[1]
	return nil
}

// CalendarParams matches a wall-clock time of day, optionally restricted to a
// set of weekdays or to the n-th weekday of the month. At most one of the two
// day filters may be set.
type CalendarParams struct {
	DaysOfWeek []int       `json:"days_of_week,omitempty"` // ISO: 1=Monday .. 7=Sunday
	NthWeekday *NthWeekday `json:"nth_weekday,omitempty"`
	Time       ClockTime   `json:"time"`
}

// ScheduleKind discriminates the schedule variants.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "Cron"
	ScheduleEvery    ScheduleKind = "Every"
	ScheduleCalendar ScheduleKind = "Calendar"
)

// Schedule is the tagged union of the three schedule shapes. Exactly one
// variant is populated, selected by Kind.
type Schedule struct {
	Kind     ScheduleKind
	Cron     string          // Kind == ScheduleCron: 5- or 6-field cron expression
	Every    uint64          // Kind == ScheduleEvery: interval in seconds, >= 1
	Calendar *CalendarParams // Kind == ScheduleCalendar
}

// scheduleWire is the {"tag": ..., "value": ...} encoding of Schedule.
type scheduleWire struct {
	Tag   ScheduleKind    `json:"tag"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (s Schedule) MarshalJSON() ([]byte, error) {
	var value any
	switch s.Kind {
	case ScheduleCron:
		value = s.Cron
	case ScheduleEvery:
		value = s.Every
	case ScheduleCalendar:
		value = s.Calendar
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scheduleWire{Tag: s.Kind, Value: raw})
}

func (s *Schedule) UnmarshalJSON(data []byte) error {
	var w scheduleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Tag {
	case ScheduleCron:
		s.Kind = ScheduleCron
		return json.Unmarshal(w.Value, &s.Cron)
	case ScheduleEvery:
		s.Kind = ScheduleEvery
		return json.Unmarshal(w.Value, &s.Every)
	case ScheduleCalendar:
		s.Kind = ScheduleCalendar
		s.Calendar = &CalendarParams{}
		return json.Unmarshal(w.Value, s.Calendar)
	default:
		return fmt.Errorf("unknown schedule tag %q", w.Tag)
	}
}

func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleCron:
		return "cron " + s.Cron
	case ScheduleEvery:
		return fmt.Sprintf("every %ds", s.Every)
	case ScheduleCalendar:
		return "at " + s.Calendar.Time.String()
	default:
		return "unset"
	}
}

// RetryPolicy controls automatic re-execution after a failed run.
type RetryPolicy struct {
	MaxAttempts         uint32          `json:"max_attempts"`
	BackoffStrategy     BackoffStrategy `json:"backoff_strategy"`
	InitialDelaySeconds uint64          `json:"initial_delay_seconds"`
	MaxDelaySeconds     uint64          `json:"max_delay_seconds"`
}

// DefaultRetryPolicy disables retries; the delay fields carry the defaults
// used when a caller enables retries without tuning them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         0,
		BackoffStrategy:     BackoffExponential,
		InitialDelaySeconds: 60,
		MaxDelaySeconds:     3600,
	}
}

// Delay computes the backoff before attempt+1, clamped to MaxDelaySeconds.
// attempt is zero-indexed: the delay between the first failure and the second
// try uses attempt 0.
func (p RetryPolicy) Delay(attempt uint32) time.Duration {
	var secs uint64
	switch p.BackoffStrategy {
	case BackoffLinear:
		secs = p.InitialDelaySeconds * (uint64(attempt) + 1)
	case BackoffExponential:
		// Once initial·2^attempt would exceed the cap (or overflow), the
		// delay is the cap itself.
		secs = p.MaxDelaySeconds
		if attempt < 63 && p.InitialDelaySeconds <= p.MaxDelaySeconds>>attempt {
			secs = p.InitialDelaySeconds << attempt
		}
	default:
		secs = p.InitialDelaySeconds
	}
	if secs > p.MaxDelaySeconds {
		secs = p.MaxDelaySeconds
	}
	return time.Duration(secs) * time.Second
}

// ResourceLimits bounds a single execution. Only TimeoutSeconds is enforced;
// memory and CPU are exposed to the child through the environment.
type ResourceLimits struct {
	TimeoutSeconds *uint64  `json:"timeout_seconds,omitempty"`
	MaxMemoryMB    *uint64  `json:"max_memory_mb,omitempty"`
	CPUQuota       *float64 `json:"cpu_quota,omitempty"`
}

// Hooks are shell commands run best-effort after an execution settles.
type Hooks struct {
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`
}

// NotificationKind discriminates notification channel variants.
type NotificationKind string

const (
	NotifyEmail   NotificationKind = "Email"
	NotifyWebhook NotificationKind = "Webhook"
	NotifyDiscord NotificationKind = "Discord"
	NotifySlack   NotificationKind = "Slack"
)

// NotificationChannel is one delivery target, encoded as a tag/value union.
type NotificationChannel struct {
	Kind    NotificationKind
	Email   *EmailTarget
	Webhook *WebhookTarget
	// Discord and Slack carry only a webhook URL.
	URL string
}

// EmailTarget addresses an email notification.
type EmailTarget struct {
	To      string  `json:"to"`
	Subject *string `json:"subject,omitempty"`
}

// WebhookTarget addresses a generic webhook notification.
type WebhookTarget struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type channelWire struct {
	Tag   NotificationKind `json:"tag"`
	Value json.RawMessage  `json:"value"`
}

type urlTarget struct {
	WebhookURL string `json:"webhook_url"`
}

func (c NotificationChannel) MarshalJSON() ([]byte, error) {
	var value any
	switch c.Kind {
	case NotifyEmail:
		value = c.Email
	case NotifyWebhook:
		value = c.Webhook
	case NotifyDiscord, NotifySlack:
		value = urlTarget{WebhookURL: c.URL}
	default:
		return nil, fmt.Errorf("unknown notification kind %q", c.Kind)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(channelWire{Tag: c.Kind, Value: raw})
}

func (c *NotificationChannel) UnmarshalJSON(data []byte) error {
	var w channelWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Kind = w.Tag
	switch w.Tag {
	case NotifyEmail:
		c.Email = &EmailTarget{}
		return json.Unmarshal(w.Value, c.Email)
	case NotifyWebhook:
		c.Webhook = &WebhookTarget{}
		return json.Unmarshal(w.Value, c.Webhook)
	case NotifyDiscord, NotifySlack:
		var t urlTarget
		if err := json.Unmarshal(w.Value, &t); err != nil {
			return err
		}
		c.URL = t.WebhookURL
		return nil
	default:
		return fmt.Errorf("unknown notification tag %q", w.Tag)
	}
}

// NotificationConfig lists delivery targets per lifecycle event.
type NotificationConfig struct {
	OnSuccess []NotificationChannel `json:"on_success,omitempty"`
	OnFailure []NotificationChannel `json:"on_failure,omitempty"`
	OnStart   []NotificationChannel `json:"on_start,omitempty"`
}

// Job is a persistent, named unit of work with a schedule and a command.
// The owner field is stamped by the daemon from the authenticated peer uid
// and is never trusted from the client.
type Job struct {
	ID       ID                `json:"id"`
	Name     string            `json:"name"`
	Schedule Schedule          `json:"schedule"`
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Enabled  bool              `json:"enabled"`
	Owner    string            `json:"owner"`

	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	JitterSeconds  uint64         `json:"jitter_seconds"`
	Timezone       *string        `json:"timezone,omitempty"`
	Tags           []string       `json:"tags"`
	Dependencies   []ID           `json:"dependencies"`
	Hooks          Hooks          `json:"hooks"`
	MaxConcurrent  uint32         `json:"max_concurrent"` // 0 = unlimited

	Priority           Priority           `json:"priority"`
	ExecutionMode      ExecutionMode      `json:"execution_mode"`
	NotificationConfig NotificationConfig `json:"notification_config"`
}

// ApplyDefaults fills zero-valued optional fields with their documented
// defaults. Called after decoding from the wire and from the store so old
// rows and sparse requests behave identically.
func (j *Job) ApplyDefaults() {
	if j.RetryPolicy.BackoffStrategy == "" {
		j.RetryPolicy.BackoffStrategy = BackoffExponential
	}
	if j.RetryPolicy.InitialDelaySeconds == 0 {
		j.RetryPolicy.InitialDelaySeconds = 60
	}
	if j.RetryPolicy.MaxDelaySeconds == 0 {
		j.RetryPolicy.MaxDelaySeconds = 3600
	}
	if j.Priority == "" {
		j.Priority = PriorityNormal
	}
	if j.ExecutionMode == "" {
		j.ExecutionMode = ModeSequential
	}
	if j.Args == nil {
		j.Args = []string{}
	}
	if j.Env == nil {
		j.Env = map[string]string{}
	}
	if j.Tags == nil {
		j.Tags = []string{}
	}
	if j.Dependencies == nil {
		j.Dependencies = []ID{}
	}
}

// Validate checks the invariants the daemon requires before admitting a job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id must not be empty")
	}
	if j.Command == "" {
		return fmt.Errorf("job %q: command must not be empty", j.ID)
	}
	switch j.Schedule.Kind {
	case ScheduleCron:
		if j.Schedule.Cron == "" {
			return fmt.Errorf("job %q: empty cron expression", j.ID)
		}
	case ScheduleEvery:
		if j.Schedule.Every < 1 {
			return fmt.Errorf("job %q: interval must be at least 1 second", j.ID)
		}
	case ScheduleCalendar:
		p := j.Schedule.Calendar
		if p == nil {
			return fmt.Errorf("job %q: calendar schedule missing parameters", j.ID)
		}
		if len(p.DaysOfWeek) > 0 && p.NthWeekday != nil {
			return fmt.Errorf("job %q: days_of_week and nth_weekday are mutually exclusive", j.ID)
		}
		for _, d := range p.DaysOfWeek {
			if d < 1 || d > 7 {
				return fmt.Errorf("job %q: weekday %d out of range 1..7", j.ID, d)
			}
		}
		if nw := p.NthWeekday; nw != nil {
			if nw.N < 1 || nw.N > 4 {
				return fmt.Errorf("job %q: nth occurrence %d out of range 1..4", j.ID, nw.N)
			}
			if nw.Weekday < 1 || nw.Weekday > 7 {
				return fmt.Errorf("job %q: weekday %d out of range 1..7", j.ID, nw.Weekday)
			}
		}
		t := p.Time
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
			return fmt.Errorf("job %q: invalid time of day %s", j.ID, t)
		}
	default:
		return fmt.Errorf("job %q: unknown schedule kind %q", j.ID, j.Schedule.Kind)
	}
	if j.RetryPolicy.MaxDelaySeconds < j.RetryPolicy.InitialDelaySeconds {
		return fmt.Errorf("job %q: max_delay_seconds must be >= initial_delay_seconds", j.ID)
	}
	if j.Timezone != nil && *j.Timezone != "" {
		if _, err := time.LoadLocation(*j.Timezone); err != nil {
			return fmt.Errorf("job %q: invalid timezone %q: %w", j.ID, *j.Timezone, err)
		}
	}
	return nil
}

// CommandLine joins the command and its arguments into the single shell line
// handed to the child's shell.
func (j *Job) CommandLine() string {
	line := j.Command
	for _, a := range j.Args {
		line += " " + a
	}
	return line
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
)

var addFlags struct {
	id            string
	name          string
	schedule      string
	command       string
	maxRetries    uint32
	backoff       string
	initialDelay  uint64
	maxDelay      uint64
	timeout       uint64
	jitter        uint64
	timezone      string
	tags          string
	onSuccess     string
	onFailure     string
	priority      string
	executionMode string
	env           []string
	disabled      bool
}

var addCmd = &cobra.Command{
	Use:   "add [flags] -- [args...]",
	Short: "Add or replace a job",
	Long: `Add a job, or replace an existing one with the same id. Schedules use a
human-readable form:

  every 30s | every 5m | every 2h
  at 14:30 | at 14:30:15
  on Mon,Wed at 09:00
  on 1st Mon at 10:00
  */5 * * * *           (anything else is parsed as cron)

Trailing arguments after -- are passed to the command.`,
	RunE: runAdd,
}

func init() {
	f := addCmd.Flags()
	f.StringVar(&addFlags.id, "id", "", "Job id (defaults to the name)")
	f.StringVarP(&addFlags.name, "name", "n", "", "Job name (required)")
	f.StringVarP(&addFlags.schedule, "schedule", "s", "", "Schedule (required)")
	f.StringVarP(&addFlags.command, "command", "c", "", "Command to run (required)")
	f.Uint32Var(&addFlags.maxRetries, "max-retries", 0, "Max retry attempts (0 = no retries)")
	f.StringVar(&addFlags.backoff, "backoff", "Exponential", "Backoff strategy: Fixed, Linear or Exponential")
	f.Uint64Var(&addFlags.initialDelay, "initial-delay", 60, "Initial retry delay in seconds")
	f.Uint64Var(&addFlags.maxDelay, "max-delay", 3600, "Maximum retry delay in seconds")
	f.Uint64Var(&addFlags.timeout, "timeout", 0, "Timeout in seconds (0 = none)")
	f.Uint64Var(&addFlags.jitter, "jitter", 0, "Random firing delay in seconds")
	f.StringVar(&addFlags.timezone, "timezone", "", `IANA timezone for calendar schedules (e.g. "America/New_York")`)
	f.StringVar(&addFlags.tags, "tags", "", "Comma-separated tags")
	f.StringVar(&addFlags.onSuccess, "on-success", "", "Shell command to run after a successful run")
	f.StringVar(&addFlags.onFailure, "on-failure", "", "Shell command to run after a failed run")
	f.StringVar(&addFlags.priority, "priority", "Normal", "Priority: Low, Normal, High or Critical")
	f.StringVar(&addFlags.executionMode, "execution-mode", "Sequential", "Execution mode: Sequential, Parallel or Exclusive")
	f.StringArrayVarP(&addFlags.env, "env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	f.BoolVar(&addFlags.disabled, "disabled", false, "Add the job disabled")
	_ = addCmd.MarkFlagRequired("name")
	_ = addCmd.MarkFlagRequired("schedule")
	_ = addCmd.MarkFlagRequired("command")
}

func runAdd(cmd *cobra.Command, args []string) error {
	sched, err := job.ParseSchedule(addFlags.schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	env := map[string]string{}
	for _, kv := range addFlags.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q (want KEY=VALUE)", kv)
		}
		env[k] = v
	}

	id := addFlags.id
	if id == "" {
		id = addFlags.name
	}

	j := job.Job{
		ID:       job.ID(id),
		Name:     addFlags.name,
		Schedule: sched,
		Command:  addFlags.command,
		Args:     args,
		Env:      env,
		Enabled:  !addFlags.disabled,
		RetryPolicy: job.RetryPolicy{
			MaxAttempts:         addFlags.maxRetries,
			BackoffStrategy:     job.BackoffStrategy(addFlags.backoff),
			InitialDelaySeconds: addFlags.initialDelay,
			MaxDelaySeconds:     addFlags.maxDelay,
		},
		JitterSeconds: addFlags.jitter,
		Priority:      job.Priority(addFlags.priority),
		ExecutionMode: job.ExecutionMode(addFlags.executionMode),
		Hooks:         job.Hooks{OnSuccess: addFlags.onSuccess, OnFailure: addFlags.onFailure},
	}
	if addFlags.timeout > 0 {
		t := addFlags.timeout
		j.ResourceLimits.TimeoutSeconds = &t
	}
	if addFlags.timezone != "" {
		tz := addFlags.timezone
		j.Timezone = &tz
	}
	if addFlags.tags != "" {
		for _, t := range strings.Split(addFlags.tags, ",") {
			j.Tags = append(j.Tags, strings.TrimSpace(t))
		}
	}
	j.ApplyDefaults()

	resp, err := roundTrip(ipc.ReqAddJob, j)
	if err != nil {
		return err
	}
	return printPlain(resp)
}

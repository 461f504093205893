// Package executor supervises job child processes: spawn under the owner's
// identity, capture output, enforce the wall-clock timeout, and report the
// settled result exactly once.
package executor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/scheduler"
)

// termGrace is how long a timed-out child gets between SIGTERM and SIGKILL.
const termGrace = 2 * time.Second

// Executor spawns and reaps job processes. Job output goes to the dedicated
// jobs logger; one-line summaries go to the main logger.
type Executor struct {
	logger  *slog.Logger
	jobsLog *slog.Logger
}

// New builds an executor. jobsLog receives the full captured child output.
func New(logger, jobsLog *slog.Logger) *Executor {
	return &Executor{
		logger:  logger.With("component", "executor"),
		jobsLog: jobsLog,
	}
}

// Launch spawns the job and invokes done exactly once when the execution
// settles. Never blocks the caller: spawn failures are reported from a
// goroutine as well, so dispatch stays uniform.
func (e *Executor) Launch(j *job.Job, ctx *scheduler.ExecutionContext, done func(scheduler.Result)) {
	go e.run(j, ctx, done)
}

func (e *Executor) run(j *job.Job, ctx *scheduler.ExecutionContext, done func(scheduler.Result)) {
	e.logger.Info("executing job",
		slog.String("job_id", string(j.ID)),
		slog.String("name", j.Name),
		slog.String("owner", j.Owner),
		slog.String("execution_id", ctx.ExecutionID))

	cmd := buildCommand(j)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		e.logger.Error("failed to spawn job",
			slog.String("job_id", string(j.ID)),
			slog.Any("error", err))
		done(scheduler.Result{
			Status:   scheduler.StatusSpawnError,
			ExitCode: -1,
			Output:   fmt.Sprintf("Failed to spawn: %v", err),
		})
		return
	}

	pid := cmd.Process.Pid
	ctx.SetPID(pid)

	var timeoutStop chan struct{}
	if t := j.ResourceLimits.TimeoutSeconds; t != nil && *t > 0 {
		timeoutStop = make(chan struct{})
		go e.enforceTimeout(j, pid, time.Duration(*t)*time.Second, timeoutStop)
	}

	waitErr := cmd.Wait()
	if timeoutStop != nil {
		close(timeoutStop)
	}

	duration := time.Since(ctx.StartTime)
	output := fmt.Sprintf("Stdout:\n%s\nStderr:\n%s", stdout.String(), stderr.String())

	res := scheduler.Result{Output: output, Duration: duration}
	switch {
	case waitErr == nil:
		res.Status = scheduler.StatusSuccess
		res.ExitCode = 0
	case cmd.ProcessState != nil:
		res.Status = scheduler.StatusFailed
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		// Wait itself failed; the exit status is unknown.
		res.Status = scheduler.StatusError
		res.ExitCode = -1
		res.Output = fmt.Sprintf("Failed to wait: %v", waitErr)
	}

	e.logger.Info("job finished",
		slog.String("job_id", string(j.ID)),
		slog.String("status", res.Status),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration))
	e.jobsLog.Info(output,
		slog.String("job", j.Name),
		slog.String("job_id", string(j.ID)),
		slog.String("execution_id", ctx.ExecutionID))

	done(res)
}

// buildCommand assembles the child process: the command line runs through
// the owner's shell via sudo so the job executes under its owner's identity,
// from a directory every user can read.
func buildCommand(j *job.Job) *exec.Cmd {
	cmd := exec.Command("sudo", "-u", j.Owner, "sh", "-c", j.CommandLine())
	cmd.Dir = os.TempDir()
	cmd.Stdin = nil

	env := os.Environ()
	for k, v := range j.Env {
		env = append(env, k+"="+v)
	}
	// Memory and CPU limits are advisory: exposed to programs that opt in.
	if m := j.ResourceLimits.MaxMemoryMB; m != nil {
		env = append(env, "LUNASCHED_MAX_MEMORY_MB="+strconv.FormatUint(*m, 10))
	}
	if q := j.ResourceLimits.CPUQuota; q != nil {
		env = append(env, "LUNASCHED_CPU_QUOTA="+strconv.FormatFloat(*q, 'f', -1, 64))
	}
	cmd.Env = env
	return cmd
}

// enforceTimeout waits out the job's budget, then escalates TERM -> KILL if
// the child is still alive. stop is closed when the child is reaped, which
// also ends the waiter early.
func (e *Executor) enforceTimeout(j *job.Job, pid int, timeout time.Duration, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-time.After(timeout):
	}
	if !pidAlive(pid) {
		return
	}

	e.logger.Warn("job exceeded timeout, terminating",
		slog.String("job_id", string(j.ID)),
		slog.Int("pid", pid),
		slog.Duration("timeout", timeout))
	metrics.JobTimeouts.WithLabelValues(string(j.ID)).Inc()
	_ = syscall.Kill(pid, syscall.SIGTERM)

	select {
	case <-stop:
		return
	case <-time.After(termGrace):
	}
	if pidAlive(pid) {
		e.logger.Warn("job ignored SIGTERM, killing",
			slog.String("job_id", string(j.ID)),
			slog.Int("pid", pid))
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

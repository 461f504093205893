// Package hooks runs the shell commands a job attaches to its success and
// failure events. Hooks are best effort: their exit status is logged and
// otherwise ignored.
package hooks

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/lunasched/lunasched/internal/job"
)

// hookTimeout bounds a single hook invocation.
const hookTimeout = 30 * time.Second

// Executor spawns hook commands.
type Executor struct {
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With("component", "hooks")}
}

// RunHook fires the hook configured for event ("success" or "failure"), if
// any. Runs asynchronously; the completion path never waits on a hook.
func (e *Executor) RunHook(j *job.Job, event string) {
	var command string
	switch event {
	case "success":
		command = j.Hooks.OnSuccess
	case "failure":
		command = j.Hooks.OnFailure
	}
	if command == "" {
		return
	}
	go e.runOnce(j, event, command)
}

func (e *Executor) runOnce(j *job.Job, event string, command string) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	e.logger.Info("executing hook",
		slog.String("job_id", string(j.ID)),
		slog.String("event", event),
		slog.String("command", command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		e.logger.Warn("hook failed",
			slog.String("job_id", string(j.ID)),
			slog.String("event", event),
			slog.Any("error", err),
			slog.String("output", string(output)))
		return
	}
	if len(output) > 0 {
		e.logger.Debug("hook output",
			slog.String("job_id", string(j.ID)),
			slog.String("event", event),
			slog.String("output", string(output)))
	}
}

package hooks

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/testutil"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunHookFiresConfiguredCommand(t *testing.T) {
	e := testExecutor(t)
	marker := filepath.Join(t.TempDir(), "ran")
	j := &job.Job{
		ID:    "h",
		Hooks: job.Hooks{OnSuccess: "touch " + marker},
	}

	e.RunHook(j, "success")
	testutil.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, "success hook to run")
}

func TestRunHookSelectsEvent(t *testing.T) {
	e := testExecutor(t)
	dir := t.TempDir()
	j := &job.Job{
		ID: "h",
		Hooks: job.Hooks{
			OnSuccess: "touch " + filepath.Join(dir, "success"),
			OnFailure: "touch " + filepath.Join(dir, "failure"),
		},
	}

	e.RunHook(j, "failure")
	testutil.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "failure"))
		return err == nil
	}, "failure hook to run")

	if _, err := os.Stat(filepath.Join(dir, "success")); !os.IsNotExist(err) {
		t.Error("success hook ran on failure event")
	}
}

func TestRunHookNoCommandIsNoop(t *testing.T) {
	e := testExecutor(t)
	// Must not panic or spawn anything.
	e.RunHook(&job.Job{ID: "h"}, "success")
	e.RunHook(&job.Job{ID: "h"}, "failure")
	e.RunHook(&job.Job{ID: "h", Hooks: job.Hooks{OnSuccess: "echo hi"}}, "unknown-event")
}

func TestRunHookFailureIsTolerated(t *testing.T) {
	e := testExecutor(t)
	j := &job.Job{ID: "h", Hooks: job.Hooks{OnFailure: "exit 3"}}
	// Best effort: a failing hook only logs.
	e.RunHook(j, "failure")
}

package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunasched/lunasched/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New("", func() error { return nil }, discardLogger()); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestReloadOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunasched.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var reloads atomic.Int32
	w, err := New(path, func() error {
		reloads.Add(1)
		return nil
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  tick_interval_ms: 500\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	testutil.Eventually(t, func() bool { return reloads.Load() >= 1 }, "config reload")
}

func TestFailedReloadAllowsRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lunasched.yaml")
	if err := os.WriteFile(path, []byte("a\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var calls atomic.Int32
	w, err := New(path, func() error {
		calls.Add(1)
		return os.ErrInvalid
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.debounce = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("b\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	testutil.Eventually(t, func() bool { return calls.Load() >= 1 }, "first reload attempt")

	// lastReload was not advanced on failure, so the next write retries
	// immediately despite the debounce.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("c\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	testutil.Eventually(t, func() bool { return calls.Load() >= 2 }, "retry after failure")
}

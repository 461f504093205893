package executor

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/lunasched/lunasched/internal/job"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildCommandArgv(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		owner   string
		want    []string
	}{
		{
			name:    "bare command",
			command: "/bin/true",
			owner:   "lunasched",
			want:    []string{"sudo", "-u", "lunasched", "sh", "-c", "/bin/true"},
		},
		{
			name:    "command with args joins into one shell line",
			command: "echo",
			args:    []string{"hello", "world"},
			owner:   "root",
			want:    []string{"sudo", "-u", "root", "sh", "-c", "echo hello world"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &job.Job{ID: "x", Command: tt.command, Args: tt.args, Owner: tt.owner}
			cmd := buildCommand(j)
			// cmd.Path is the resolved binary; rebuild the vector from
			// cmd.Args[1:] so only the argument shape is compared.
			got := append([]string{"sudo"}, cmd.Args[1:]...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("argv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildCommandWorkingDirectory(t *testing.T) {
	j := &job.Job{ID: "x", Command: "/bin/true", Owner: "root"}
	cmd := buildCommand(j)
	if cmd.Dir != os.TempDir() {
		t.Errorf("dir = %q, want %q", cmd.Dir, os.TempDir())
	}
}

func TestBuildCommandEnvironment(t *testing.T) {
	mem := uint64(256)
	quota := 0.5
	j := &job.Job{
		ID:      "x",
		Command: "/bin/true",
		Owner:   "root",
		Env:     map[string]string{"FOO": "bar"},
		ResourceLimits: job.ResourceLimits{
			MaxMemoryMB: &mem,
			CPUQuota:    &quota,
		},
	}
	cmd := buildCommand(j)

	var haveFoo, haveMem, haveQuota bool
	for _, kv := range cmd.Env {
		switch {
		case kv == "FOO=bar":
			haveFoo = true
		case kv == "LUNASCHED_MAX_MEMORY_MB=256":
			haveMem = true
		case strings.HasPrefix(kv, "LUNASCHED_CPU_QUOTA=0.5"):
			haveQuota = true
		}
	}
	if !haveFoo {
		t.Error("job env not overlaid on daemon env")
	}
	if !haveMem || !haveQuota {
		t.Error("advisory limits missing from environment")
	}
	if len(cmd.Env) <= len(j.Env) {
		t.Error("daemon environment should be inherited")
	}
}

func TestPidAlive(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	// Linux pids stay below pid_max, which is at most 1<<22.
	if pidAlive(1 << 22) {
		t.Error("absurd pid reported alive")
	}
}

func TestCheckResources(t *testing.T) {
	log := discardLogger()

	unlimited := &job.Job{ID: "a"}
	if !CheckResources(unlimited, log) {
		t.Error("job without limits should always pass")
	}

	tiny := uint64(1)
	small := &job.Job{ID: "b", ResourceLimits: job.ResourceLimits{MaxMemoryMB: &tiny}}
	if !CheckResources(small, log) {
		t.Error("1MB requirement should pass on any host")
	}

	huge := uint64(1 << 30) // a petabyte of RAM
	big := &job.Job{ID: "c", ResourceLimits: job.ResourceLimits{MaxMemoryMB: &huge}}
	if CheckResources(big, log) {
		t.Error("absurd requirement should fail")
	}
}

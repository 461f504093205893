package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	core := scheduler.New(st, logger)
	core.SetDispatch(func(j *job.Job, ctx *scheduler.ExecutionContext) {
		// Executions settle immediately in these tests.
		core.OnResult(j, ctx, scheduler.Result{Status: scheduler.StatusSuccess})
	})
	return New(core, st, filepath.Join(t.TempDir(), "test.sock"), logger)
}

// request encodes, dispatches and decodes one request as the given owner.
func request(t *testing.T, s *Server, owner, tag string, payload any) *ipc.Envelope {
	t.Helper()
	raw, err := ipc.Marshal(tag, payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var env ipc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("reparse request: %v", err)
	}
	var resp ipc.Envelope
	if err := json.Unmarshal(s.handle(&env, owner), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return &resp
}

func testJob(id string) job.Job {
	j := job.Job{
		ID:       job.ID(id),
		Name:     id,
		Schedule: job.Schedule{Kind: job.ScheduleEvery, Every: 3600},
		Command:  "/bin/true",
		Enabled:  true,
		// Claimed owner; the server must overwrite it.
		Owner: "root",
	}
	j.ApplyDefaults()
	return j
}

func errorMessage(t *testing.T, resp *ipc.Envelope) string {
	t.Helper()
	if resp.Tag != ipc.RespError {
		t.Fatalf("tag = %q, want Error", resp.Tag)
	}
	var msg string
	if err := resp.Decode(&msg); err != nil {
		t.Fatalf("decode error message: %v", err)
	}
	return msg
}

func TestOwnerForUID(t *testing.T) {
	tests := []struct {
		uid  uint32
		want string
	}{
		{0, "root"},
		{1000, "lunasched"},
		{65534, "lunasched"},
	}
	for _, tt := range tests {
		if got := ownerForUID(tt.uid); got != tt.want {
			t.Errorf("ownerForUID(%d) = %q, want %q", tt.uid, got, tt.want)
		}
	}
}

func TestAddJobStampsOwner(t *testing.T) {
	s := testServer(t)
	resp := request(t, s, "lunasched", ipc.ReqAddJob, testJob("d"))
	if resp.Tag != ipc.RespOk {
		t.Fatalf("add response = %q", resp.Tag)
	}

	got, ok := s.core.Job("d")
	if !ok {
		t.Fatal("job not installed")
	}
	if got.Owner != "lunasched" {
		t.Errorf("owner = %q, want lunasched (client claim ignored)", got.Owner)
	}
}

func TestOwnershipRules(t *testing.T) {
	s := testServer(t)
	// Root creates the job.
	if resp := request(t, s, "root", ipc.ReqAddJob, testJob("d")); resp.Tag != ipc.RespOk {
		t.Fatalf("root add = %q", resp.Tag)
	}

	t.Run("non-root cannot remove root job", func(t *testing.T) {
		resp := request(t, s, "lunasched", ipc.ReqRemoveJob, job.ID("d"))
		if msg := errorMessage(t, resp); msg == "" || msg[:17] != "Permission denied" {
			t.Errorf("message = %q, want permission denied", msg)
		}
	})

	t.Run("non-root cannot overwrite root job", func(t *testing.T) {
		resp := request(t, s, "lunasched", ipc.ReqAddJob, testJob("d"))
		if msg := errorMessage(t, resp); msg[:17] != "Permission denied" {
			t.Errorf("message = %q, want permission denied", msg)
		}
	})

	t.Run("non-root cannot start root job", func(t *testing.T) {
		resp := request(t, s, "lunasched", ipc.ReqStartJob, job.ID("d"))
		if msg := errorMessage(t, resp); msg[:17] != "Permission denied" {
			t.Errorf("message = %q, want permission denied", msg)
		}
	})

	t.Run("root may remove any job", func(t *testing.T) {
		if resp := request(t, s, "lunasched", ipc.ReqAddJob, testJob("mine")); resp.Tag != ipc.RespOk {
			t.Fatalf("add = %q", resp.Tag)
		}
		if resp := request(t, s, "root", ipc.ReqRemoveJob, job.ID("mine")); resp.Tag != ipc.RespOk {
			t.Fatalf("root remove = %q", resp.Tag)
		}
	})
}

func TestRemoveUnknownJob(t *testing.T) {
	s := testServer(t)
	resp := request(t, s, "root", ipc.ReqRemoveJob, job.ID("ghost"))
	if msg := errorMessage(t, resp); msg != "Job not found" {
		t.Errorf("message = %q, want Job not found", msg)
	}
}

func TestListAndGet(t *testing.T) {
	s := testServer(t)
	request(t, s, "root", ipc.ReqAddJob, testJob("a"))
	request(t, s, "root", ipc.ReqAddJob, testJob("b"))

	resp := request(t, s, "root", ipc.ReqListJobs, nil)
	if resp.Tag != ipc.RespJobList {
		t.Fatalf("list tag = %q", resp.Tag)
	}
	var jobs []job.Job
	if err := resp.Decode(&jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("list = %d jobs, want 2", len(jobs))
	}

	resp = request(t, s, "root", ipc.ReqGetJob, job.ID("a"))
	if resp.Tag != ipc.RespJobDetail {
		t.Fatalf("get tag = %q", resp.Tag)
	}
	var detail *job.Job
	if err := resp.Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail == nil || detail.ID != "a" {
		t.Errorf("detail = %+v, want job a", detail)
	}

	resp = request(t, s, "root", ipc.ReqGetJob, job.ID("ghost"))
	if err := resp.Decode(&detail); err != nil {
		t.Fatalf("decode missing detail: %v", err)
	}
	if detail != nil {
		t.Errorf("detail for unknown id = %+v, want null", detail)
	}
}

func TestStartJob(t *testing.T) {
	s := testServer(t)
	request(t, s, "root", ipc.ReqAddJob, testJob("d"))

	if resp := request(t, s, "root", ipc.ReqStartJob, job.ID("d")); resp.Tag != ipc.RespOk {
		t.Fatalf("start = %q", resp.Tag)
	}
	resp := request(t, s, "root", ipc.ReqStartJob, job.ID("ghost"))
	if msg := errorMessage(t, resp); msg != "Job not found" {
		t.Errorf("message = %q, want Job not found", msg)
	}
}

func TestStartJobAlreadyRunning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := scheduler.New(nil, logger)
	block := make(chan struct{})
	core.SetDispatch(func(j *job.Job, ctx *scheduler.ExecutionContext) {
		<-block // never settles during the test
	})
	s := New(core, nil, filepath.Join(t.TempDir(), "test.sock"), logger)
	defer close(block)

	jb := testJob("d")
	core.AddJob(&jb)

	if resp := request(t, s, "root", ipc.ReqStartJob, job.ID("d")); resp.Tag != ipc.RespOk {
		t.Fatalf("first start = %q", resp.Tag)
	}
	resp := request(t, s, "root", ipc.ReqStartJob, job.ID("d"))
	if msg := errorMessage(t, resp); msg != "Job is already running" {
		t.Errorf("message = %q, want Job is already running", msg)
	}
}

func TestGetHistory(t *testing.T) {
	s := testServer(t)
	for i := 0; i < 3; i++ {
		if err := s.store.LogHistory("d", "success", "ran"); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	limit := uint32(2)
	resp := request(t, s, "root", ipc.ReqGetHistory, ipc.HistoryQuery{JobID: "d", Limit: &limit})
	if resp.Tag != ipc.RespHistoryList {
		t.Fatalf("history tag = %q", resp.Tag)
	}
	var entries []ipc.HistoryEntry
	if err := resp.Decode(&entries); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("history = %d rows, want 2", len(entries))
	}

	// Unknown job yields an empty list, not an error.
	resp = request(t, s, "root", ipc.ReqGetHistory, ipc.HistoryQuery{JobID: "ghost"})
	if resp.Tag != ipc.RespHistoryList {
		t.Fatalf("ghost history tag = %q", resp.Tag)
	}
	if err := resp.Decode(&entries); err != nil {
		t.Fatalf("decode ghost history: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ghost history = %d rows, want 0", len(entries))
	}
}

func TestInvalidJobRejected(t *testing.T) {
	s := testServer(t)
	bad := testJob("x")
	bad.Command = ""
	resp := request(t, s, "root", ipc.ReqAddJob, bad)
	if resp.Tag != ipc.RespError {
		t.Fatalf("tag = %q, want Error", resp.Tag)
	}
}

func TestUnknownRequestTag(t *testing.T) {
	s := testServer(t)
	resp := request(t, s, "root", "Reboot", nil)
	if resp.Tag != ipc.RespError {
		t.Fatalf("tag = %q, want Error", resp.Tag)
	}
}

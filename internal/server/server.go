// Package server is the control plane: a unix stream socket that
// authenticates peers by kernel-reported uid, decodes framed JSON requests
// and drives the scheduler core.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/lunasched/lunasched/internal/ipc"
	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/scheduler"
	"github.com/lunasched/lunasched/internal/store"
)

// defaultHistoryLimit caps GetHistory when the client sends no limit.
const defaultHistoryLimit = 100

// Server owns the control socket.
type Server struct {
	core   *scheduler.Core
	store  *store.Store
	path   string
	logger *slog.Logger
}

func New(core *scheduler.Core, st *store.Store, socketPath string, logger *slog.Logger) *Server {
	return &Server{
		core:   core,
		store:  st,
		path:   socketPath,
		logger: logger.With("component", "server"),
	}
}

// ListenAndServe binds the socket and accepts connections until ctx is
// cancelled. The socket file is unlinked on the way out. A bind failure is
// fatal for the daemon.
func (s *Server) ListenAndServe(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create socket directory %s: %w", dir, err)
	}
	// A stale socket from an unclean shutdown blocks the bind.
	if _, err := os.Stat(s.path); err == nil {
		s.logger.Info("removing stale socket", slog.String("path", s.path))
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind control socket %s: %w", s.path, err)
	}
	// Any local user may talk to the daemon; authorization happens per
	// request from the peer uid.
	if err := os.Chmod(s.path, 0o666); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.logger.Info("control socket listening", slog.String("path", s.path))

	go func() {
		<-ctx.Done()
		_ = listener.Close()
		_ = os.Remove(s.path)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		s.logger.Error("unexpected connection type on unix socket")
		return
	}
	uid, err := peerUID(uc)
	if err != nil {
		s.logger.Error("failed to read peer credentials", slog.Any("error", err))
		return
	}
	owner := ownerForUID(uid)
	s.logger.Debug("connection accepted", slog.Uint64("uid", uint64(uid)), slog.String("owner", owner))

	reader := ipc.NewReader(conn, ipc.MaxRequestSize)
	for {
		env, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("dropping connection", slog.Any("reason", err))
			}
			return
		}

		resp := s.handle(env, owner)
		if _, err := conn.Write(resp); err != nil {
			s.logger.Error("failed to write response", slog.Any("error", err))
			return
		}
	}
}

// ownerForUID maps the authenticated peer uid to the owner label the daemon
// stamps on jobs: root keeps root, every other local user maps to the
// service user. The client's claimed owner is never trusted.
func ownerForUID(uid uint32) string {
	if uid == 0 {
		return "root"
	}
	return "lunasched"
}

// handle dispatches one request and returns the encoded response.
func (s *Server) handle(env *ipc.Envelope, requester string) []byte {
	resp, err := s.dispatch(env, requester)
	if err != nil {
		s.logger.Error("request handling failed",
			slog.String("tag", env.Tag),
			slog.Any("error", err))
		resp, _ = ipc.Error("Internal error")
	}
	return resp
}

func (s *Server) dispatch(env *ipc.Envelope, requester string) ([]byte, error) {
	s.logger.Info("request received", slog.String("tag", env.Tag), slog.String("requester", requester))

	switch env.Tag {
	case ipc.ReqAddJob:
		return s.handleAddJob(env, requester)
	case ipc.ReqRemoveJob:
		return s.handleRemoveJob(env, requester)
	case ipc.ReqListJobs:
		return ipc.Marshal(ipc.RespJobList, s.core.Jobs())
	case ipc.ReqGetJob:
		var id job.ID
		if err := env.Decode(&id); err != nil {
			return ipc.Error("Invalid request: %v", err)
		}
		j, _ := s.core.Job(id)
		return ipc.Marshal(ipc.RespJobDetail, j)
	case ipc.ReqStartJob:
		return s.handleStartJob(env, requester)
	case ipc.ReqGetHistory:
		return s.handleGetHistory(env)
	default:
		return ipc.Error("Unknown request %q", env.Tag)
	}
}

func (s *Server) handleAddJob(env *ipc.Envelope, requester string) ([]byte, error) {
	var j job.Job
	if err := env.Decode(&j); err != nil {
		return ipc.Error("Invalid job: %v", err)
	}
	// The owner is derived from the socket peer, never from the payload.
	j.Owner = requester
	j.ApplyDefaults()
	if err := j.Validate(); err != nil {
		return ipc.Error("Invalid job: %v", err)
	}

	if existing, ok := s.core.Job(j.ID); ok {
		if existing.Owner != requester && requester != "root" {
			return ipc.Error("Permission denied: Cannot overwrite job owned by %s", existing.Owner)
		}
	}
	s.core.AddJob(&j)
	return ipc.Marshal(ipc.RespOk, nil)
}

func (s *Server) handleRemoveJob(env *ipc.Envelope, requester string) ([]byte, error) {
	var id job.ID
	if err := env.Decode(&id); err != nil {
		return ipc.Error("Invalid request: %v", err)
	}
	existing, ok := s.core.Job(id)
	if !ok {
		return ipc.Error("Job not found")
	}
	if existing.Owner != requester && requester != "root" {
		return ipc.Error("Permission denied: Cannot remove job owned by %s", existing.Owner)
	}
	s.core.RemoveJob(id)
	return ipc.Marshal(ipc.RespOk, nil)
}

func (s *Server) handleStartJob(env *ipc.Envelope, requester string) ([]byte, error) {
	var id job.ID
	if err := env.Decode(&id); err != nil {
		return ipc.Error("Invalid request: %v", err)
	}
	existing, ok := s.core.Job(id)
	if !ok {
		return ipc.Error("Job not found")
	}
	if existing.Owner != requester && requester != "root" {
		return ipc.Error("Permission denied: Cannot start job owned by %s", existing.Owner)
	}
	switch err := s.core.StartJob(id); {
	case err == nil:
		return ipc.Marshal(ipc.RespOk, nil)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return ipc.Error("Job is already running")
	case errors.Is(err, scheduler.ErrNotFound):
		return ipc.Error("Job not found")
	default:
		return ipc.Error("Failed to start job: %v", err)
	}
}

func (s *Server) handleGetHistory(env *ipc.Envelope) ([]byte, error) {
	var q ipc.HistoryQuery
	if err := env.Decode(&q); err != nil {
		return ipc.Error("Invalid request: %v", err)
	}
	if s.store == nil {
		return ipc.Error("No database configured")
	}
	limit := uint32(defaultHistoryLimit)
	if q.Limit != nil {
		limit = *q.Limit
	}
	entries, err := s.store.History(q.JobID, limit)
	if err != nil {
		return ipc.Error("DB Error: %v", err)
	}
	if entries == nil {
		entries = []ipc.HistoryEntry{}
	}
	return ipc.Marshal(ipc.RespHistoryList, entries)
}

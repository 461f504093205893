// Package scheduler owns the live job table and drives the one-second tick
// that decides which jobs are due. All mutable maps live behind one mutex;
// the running-jobs table is a concurrent map shared with completion
// callbacks. The lock is never held across a spawn or any I/O.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunasched/lunasched/internal/job"
	"github.com/lunasched/lunasched/internal/metrics"
	"github.com/lunasched/lunasched/internal/schedule"
	"github.com/lunasched/lunasched/internal/store"
)

// Execution result statuses persisted to history. The mixed casing is part
// of the stored format and must not change.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusError      = "Error"
	StatusSpawnError = "SpawnError"
)

// ExecutionContext marks a job as currently running.
type ExecutionContext struct {
	ExecutionID   string
	ScheduledTime time.Time
	StartTime     time.Time

	mu  sync.Mutex
	pid int
}

// SetPID records the child pid once the spawn succeeds.
func (c *ExecutionContext) SetPID(pid int) {
	c.mu.Lock()
	c.pid = pid
	c.mu.Unlock()
}

// PID returns the recorded child pid, 0 if the process never spawned.
func (c *ExecutionContext) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Result is what the supervisor reports when an execution settles.
type Result struct {
	Status   string // StatusSuccess, StatusFailed, StatusError or StatusSpawnError
	ExitCode int
	Output   string
	Duration time.Duration
}

// Dispatch hands a due job to the supervisor. Implementations must invoke
// the core's OnResult exactly once per call.
type Dispatch func(j *job.Job, ctx *ExecutionContext)

// HookRunner fires a job's success or failure hook command, best effort.
type HookRunner interface {
	RunHook(j *job.Job, event string)
}

// Notifier delivers configured notifications for a job event, best effort.
type Notifier interface {
	Notify(j *job.Job, executionID, event, message string)
}

type retryState struct {
	attempt       uint32
	nextAttemptAt time.Time
}

// Core is the scheduling engine.
type Core struct {
	logger *slog.Logger
	store  *store.Store
	eval   *schedule.Evaluator

	mu          sync.Mutex
	jobs        map[job.ID]*job.Job
	lastRuns    map[job.ID]time.Time
	lastWindows map[job.ID]time.Time
	retry       map[job.ID]*retryState

	running  sync.Map // job.ID -> *ExecutionContext
	dispatch Dispatch
	hooks    HookRunner
	notifier Notifier

	// now is the clock; swapped in tests.
	now func() time.Time
	// jitter draws a random delay in [0, n) milliseconds.
	jitter func(n int64) int64
}

// New builds a core over the given store, loading the persisted job table.
// The store may be nil in tests; the core then runs purely in memory.
func New(st *store.Store, logger *slog.Logger) *Core {
	c := &Core{
		logger:      logger.With("component", "scheduler"),
		store:       st,
		eval:        schedule.NewEvaluator(logger),
		jobs:        make(map[job.ID]*job.Job),
		lastRuns:    make(map[job.ID]time.Time),
		lastWindows: make(map[job.ID]time.Time),
		retry:       make(map[job.ID]*retryState),
		now:         time.Now,
		jitter:      rand.Int63n,
	}
	if st != nil {
		jobs, err := st.LoadJobs()
		if err != nil {
			c.logger.Error("failed to load persisted jobs", slog.Any("error", err))
		} else {
			c.jobs = jobs
			c.logger.Info("loaded persisted jobs", slog.Int("count", len(jobs)))
		}
	}
	return c
}

// SetDispatch wires the supervisor. Must be called before Run or StartJob.
func (c *Core) SetDispatch(d Dispatch) {
	c.dispatch = d
}

// SetHooks wires the success/failure hook runner.
func (c *Core) SetHooks(h HookRunner) {
	c.hooks = h
}

// SetNotifier wires the notification sender.
func (c *Core) SetNotifier(n Notifier) {
	c.notifier = n
}

// AddJob persists and installs a job. Replacing an existing id keeps its
// fire history and retry state so a schedule edit does not re-fire the job.
func (c *Core) AddJob(j *job.Job) {
	if c.store != nil {
		if err := c.store.AddJob(j); err != nil {
			// Best effort: the job still runs from memory this boot.
			c.logger.Error("failed to persist job", slog.String("job_id", string(j.ID)), slog.Any("error", err))
		}
	}
	c.mu.Lock()
	c.jobs[j.ID] = j
	c.mu.Unlock()
	c.logger.Info("job added",
		slog.String("job_id", string(j.ID)),
		slog.String("name", j.Name),
		slog.String("schedule", j.Schedule.String()),
		slog.String("owner", j.Owner))
}

// RemoveJob deletes a job and its scheduling state. A running execution is
// left to finish. Reports whether the id existed.
func (c *Core) RemoveJob(id job.ID) bool {
	if c.store != nil {
		if err := c.store.RemoveJob(id); err != nil {
			c.logger.Error("failed to delete job from store", slog.String("job_id", string(id)), slog.Any("error", err))
		}
	}
	c.mu.Lock()
	_, existed := c.jobs[id]
	delete(c.jobs, id)
	delete(c.lastRuns, id)
	delete(c.lastWindows, id)
	delete(c.retry, id)
	c.mu.Unlock()
	if existed {
		c.logger.Info("job removed", slog.String("job_id", string(id)))
	}
	return existed
}

// Job returns a copy of the job definition, if present.
func (c *Core) Job(id job.ID) (*job.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// Jobs returns a snapshot of the live table in arbitrary order.
func (c *Core) Jobs() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*job.Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// Running reports whether the job currently has an execution context.
func (c *Core) Running(id job.ID) bool {
	_, ok := c.running.Load(id)
	return ok
}

// dueJob pairs a job with its freshly installed execution context.
type dueJob struct {
	job *job.Job
	ctx *ExecutionContext
}

// Tick runs one scheduling decision and returns the due-set. Atomic under
// the core lock; no spawning happens here.
func (c *Core) Tick() []dueJob {
	now := c.now().UTC()
	var due []dueJob

	c.mu.Lock()
	defer c.mu.Unlock()

	// Retry-due jobs first: their moment was fixed when the failure was
	// recorded, not by the schedule.
	for id, state := range c.retry {
		if state.nextAttemptAt.After(now) {
			continue
		}
		j, ok := c.jobs[id]
		if !ok {
			delete(c.retry, id)
			continue
		}
		if _, running := c.running.Load(id); running {
			continue
		}
		ctx := &ExecutionContext{
			ExecutionID:   uuid.NewString(),
			ScheduledTime: now,
			StartTime:     now,
		}
		c.running.Store(id, ctx)
		cp := *j
		due = append(due, dueJob{job: &cp, ctx: ctx})
		c.logger.Info("retrying job",
			slog.String("job_id", string(id)),
			slog.Uint64("attempt", uint64(state.attempt)),
			slog.String("execution_id", ctx.ExecutionID))
	}

	for id, j := range c.jobs {
		if !j.Enabled {
			continue
		}
		if _, running := c.running.Load(id); running {
			continue
		}
		var lastFire *time.Time
		if t, ok := c.lastRuns[id]; ok {
			lastFire = &t
		}
		fireAt, fire := c.eval.Next(j, lastFire, now)
		if !fire {
			continue
		}

		// Calendar rules match for a full wall-clock second; the window key
		// collapses multiple ticks inside that second to one firing.
		if j.Schedule.Kind == job.ScheduleCalendar {
			window := c.eval.WindowKey(j, now)
			if last, ok := c.lastWindows[id]; ok && c.eval.WindowKey(j, last).Equal(window) {
				continue
			}
		}

		if j.JitterSeconds > 0 {
			fireAt = fireAt.Add(time.Duration(c.jitter(int64(j.JitterSeconds)*1000)) * time.Millisecond)
		}

		c.lastRuns[id] = fireAt
		c.lastWindows[id] = fireAt
		ctx := &ExecutionContext{
			ExecutionID:   uuid.NewString(),
			ScheduledTime: fireAt,
			StartTime:     now,
		}
		c.running.Store(id, ctx)
		cp := *j
		due = append(due, dueJob{job: &cp, ctx: ctx})
	}

	return due
}

// Run drives the tick loop until ctx is cancelled. Due jobs are dispatched
// after the core lock is released.
func (c *Core) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("scheduler started", slog.Duration("tick", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			metrics.SchedulerTicks.Inc()
			for _, d := range c.Tick() {
				c.launch(d.job, d.ctx)
			}
		}
	}
}

// StartJob runs a job immediately, outside its schedule. The manual run
// occupies the same running-jobs slot the tick uses, so a pending retry
// cannot double-fire while it is in flight. lastRuns is left untouched.
func (c *Core) StartJob(id job.ID) error {
	c.mu.Lock()
	j, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	cp := *j
	c.mu.Unlock()

	now := c.now().UTC()
	ctx := &ExecutionContext{
		ExecutionID:   uuid.NewString(),
		ScheduledTime: now,
		StartTime:     now,
	}
	if _, loaded := c.running.LoadOrStore(id, ctx); loaded {
		return ErrAlreadyRunning
	}
	c.logger.Info("manually starting job",
		slog.String("job_id", string(id)),
		slog.String("execution_id", ctx.ExecutionID))
	go c.launch(&cp, ctx)
	return nil
}

func (c *Core) launch(j *job.Job, ctx *ExecutionContext) {
	if c.dispatch == nil {
		c.logger.Error("no dispatcher wired, dropping execution", slog.String("job_id", string(j.ID)))
		c.running.Delete(j.ID)
		return
	}
	metrics.JobExecutions.WithLabelValues(string(j.ID)).Inc()
	metrics.RunningJobs.Inc()
	if c.notifier != nil {
		c.notifier.Notify(j, ctx.ExecutionID, "start", "job started")
	}
	c.dispatch(j, ctx)
}

// finishJob removes the execution context. Always the last step of the
// completion path.
func (c *Core) finishJob(id job.ID) {
	c.running.Delete(id)
	metrics.RunningJobs.Dec()
}

// OnResult is the completion callback the supervisor invokes exactly once
// per execution. It owns the retry state machine and history persistence.
func (c *Core) OnResult(j *job.Job, ctx *ExecutionContext, res Result) {
	defer c.finishJob(j.ID)

	now := c.now().UTC()
	metrics.JobDuration.WithLabelValues(string(j.ID)).Observe(res.Duration.Seconds())

	if res.Status == StatusSuccess {
		metrics.JobSuccesses.WithLabelValues(string(j.ID)).Inc()
		c.mu.Lock()
		delete(c.retry, j.ID)
		c.mu.Unlock()
		c.persistHistory(j.ID, StatusSuccess, res.Output)
		c.persistRun(j.ID, res.Duration, true)
		if c.hooks != nil {
			c.hooks.RunHook(j, "success")
		}
		if c.notifier != nil {
			c.notifier.Notify(j, ctx.ExecutionID, "success", res.Output)
		}
		return
	}

	metrics.JobFailures.WithLabelValues(string(j.ID)).Inc()
	c.persistRun(j.ID, res.Duration, false)

	c.mu.Lock()
	var attempt uint32
	if state, ok := c.retry[j.ID]; ok {
		attempt = state.attempt
	}
	if attempt < j.RetryPolicy.MaxAttempts {
		delay := j.RetryPolicy.Delay(attempt)
		next := now.Add(delay)
		c.retry[j.ID] = &retryState{attempt: attempt + 1, nextAttemptAt: next}
		c.mu.Unlock()

		c.logger.Warn("job failed, retry scheduled",
			slog.String("job_id", string(j.ID)),
			slog.Uint64("attempt", uint64(attempt+1)),
			slog.Uint64("max_attempts", uint64(j.RetryPolicy.MaxAttempts)),
			slog.Duration("delay", delay))
		if c.store != nil {
			if err := c.store.LogRetryAttempt(j.ID, attempt+1, &next, res.Output); err != nil {
				c.logger.Error("failed to persist retry attempt", slog.String("job_id", string(j.ID)), slog.Any("error", err))
			}
		}
		return
	}
	delete(c.retry, j.ID)
	c.mu.Unlock()

	// Spawn and wait errors keep their distinct statuses in history;
	// ordinary non-zero exits are recorded as failed.
	c.persistHistory(j.ID, res.Status, res.Output)
	if c.hooks != nil {
		c.hooks.RunHook(j, "failure")
	}
	if c.notifier != nil {
		c.notifier.Notify(j, ctx.ExecutionID, "failure", res.Output)
	}
}

// RetryPending reports the pending attempt number, 0 when none.
func (c *Core) RetryPending(id job.ID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.retry[id]; ok {
		return state.attempt
	}
	return 0
}

// LastRun returns the most recent fire instant for a job.
func (c *Core) LastRun(id job.ID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastRuns[id]
	return t, ok
}

func (c *Core) persistHistory(id job.ID, status, output string) {
	if c.store == nil {
		return
	}
	if err := c.store.LogHistory(id, status, output); err != nil {
		// History loss is preferred to a scheduler stall.
		c.logger.Error("failed to persist history", slog.String("job_id", string(id)), slog.Any("error", err))
	}
}

func (c *Core) persistRun(id job.ID, d time.Duration, success bool) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordRun(id, d, success); err != nil {
		c.logger.Error("failed to persist job metrics", slog.String("job_id", string(id)), slog.Any("error", err))
	}
}

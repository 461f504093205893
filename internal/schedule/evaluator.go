// Package schedule decides when jobs are due. The evaluator is a pure
// function of (schedule, last fire, now); all state lives in the scheduler.
package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lunasched/lunasched/internal/job"
)

// lagFactor bounds interval catch-up: when the backlog of an Every schedule
// exceeds lagFactor times the interval, the missed firings are dropped and
// the expected instant resets to now.
const lagFactor = 10

// cronParser accepts 5-field expressions, with an optional leading seconds
// field treated as 0 when absent.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Evaluator computes fire instants. It caches timezone lookups and remembers
// cron expressions it has already warned about so a broken job does not spam
// the log every second.
type Evaluator struct {
	logger *slog.Logger

	mu        sync.Mutex
	locations map[string]*time.Location
	warned    map[string]bool
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{
		logger:    logger.With("component", "schedule"),
		locations: make(map[string]*time.Location),
		warned:    make(map[string]bool),
	}
}

// Next reports whether j is due at now, and for which scheduled instant.
// lastFire is nil when the job has never fired. Calendar window dedup is the
// caller's responsibility; Next only answers "does the rule match".
func (e *Evaluator) Next(j *job.Job, lastFire *time.Time, now time.Time) (time.Time, bool) {
	switch j.Schedule.Kind {
	case job.ScheduleCron:
		return e.nextCron(j, lastFire, now)
	case job.ScheduleEvery:
		return e.nextEvery(j, lastFire, now)
	case job.ScheduleCalendar:
		return e.nextCalendar(j, now)
	default:
		return time.Time{}, false
	}
}

func (e *Evaluator) nextCron(j *job.Job, lastFire *time.Time, now time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(j.Schedule.Cron)
	if err != nil {
		e.warnOnce(string(j.ID), "unparseable cron expression, job will never fire",
			slog.String("job_id", string(j.ID)),
			slog.String("expression", j.Schedule.Cron),
			slog.Any("error", err))
		return time.Time{}, false
	}
	start := now.Add(-time.Second)
	if lastFire != nil {
		start = *lastFire
	}
	next := sched.Next(start.UTC())
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	return next, true
}

func (e *Evaluator) nextEvery(j *job.Job, lastFire *time.Time, now time.Time) (time.Time, bool) {
	if lastFire == nil {
		return now, true
	}
	interval := time.Duration(j.Schedule.Every) * time.Second
	expected := lastFire.Add(interval)
	if expected.After(now) {
		return time.Time{}, false
	}
	if now.Sub(expected) > lagFactor*interval {
		e.logger.Warn("interval job lagging badly, dropping missed firings",
			slog.String("job_id", string(j.ID)),
			slog.Duration("behind", now.Sub(expected)))
		return now, true
	}
	return expected, true
}

func (e *Evaluator) nextCalendar(j *job.Job, now time.Time) (time.Time, bool) {
	params := j.Schedule.Calendar
	local := now.In(e.Location(j))

	t := params.Time
	if local.Hour() != t.Hour || local.Minute() != t.Minute || local.Second() != t.Second {
		return time.Time{}, false
	}

	if len(params.DaysOfWeek) > 0 {
		wd := isoWeekday(local)
		found := false
		for _, d := range params.DaysOfWeek {
			if d == wd {
				found = true
				break
			}
		}
		if !found {
			return time.Time{}, false
		}
	} else if nw := params.NthWeekday; nw != nil {
		if isoWeekday(local) != nw.Weekday {
			return time.Time{}, false
		}
		if (local.Day()-1)/7+1 != nw.N {
			return time.Time{}, false
		}
	}

	return now, true
}

// Location resolves the job's zone, falling back to the host zone when unset
// or invalid. Invalid zones are reported once per job.
func (e *Evaluator) Location(j *job.Job) *time.Location {
	if j.Timezone == nil || *j.Timezone == "" {
		return time.Local
	}
	name := *j.Timezone

	e.mu.Lock()
	loc, ok := e.locations[name]
	e.mu.Unlock()
	if ok {
		return loc
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		e.warnOnce("tz:"+string(j.ID), "invalid timezone, using host zone",
			slog.String("job_id", string(j.ID)),
			slog.String("timezone", name),
			slog.Any("error", err))
		return time.Local
	}
	e.mu.Lock()
	e.locations[name] = loc
	e.mu.Unlock()
	return loc
}

// WindowKey truncates now to the second in the job's zone. Two ticks inside
// the same wall-clock second produce equal keys, which is what deduplicates
// Calendar firings.
func (e *Evaluator) WindowKey(j *job.Job, t time.Time) time.Time {
	return t.In(e.Location(j)).Truncate(time.Second)
}

func (e *Evaluator) warnOnce(key, msg string, attrs ...any) {
	e.mu.Lock()
	seen := e.warned[key]
	e.warned[key] = true
	e.mu.Unlock()
	if !seen {
		e.logger.Warn(msg, attrs...)
	}
}

// isoWeekday maps Go's Sunday-based weekday to ISO numbering (1=Monday).
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

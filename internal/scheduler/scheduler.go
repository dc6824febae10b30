// Package scheduler fires agent tasks and host cron jobs. Agent tasks
// run through the workspace queue so a scheduled run can never overlap
// a user conversation on the same workspace; host jobs are plain shell
// subprocesses.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/wsq"
)

const resultMaxLen = 200

// TaskRunner performs one agent task run and returns its textual result.
type TaskRunner func(ctx context.Context, task store.ScheduledTask) (string, error)

// Scheduler owns the task loop.
type Scheduler struct {
	cfg   *config.Config
	st    *store.Store
	queue *wsq.Queue
	log   *slog.Logger
	loc   *time.Location

	// RunTask executes the task's prompt in the workspace container.
	RunTask TaskRunner
	// Merge lands the worktree after a successful run with repo access.
	Merge func(ctx context.Context, folder string) error

	now func() time.Time
}

func New(cfg *config.Config, st *store.Store, queue *wsq.Queue, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		st:    st,
		queue: queue,
		log:   log,
		loc:   DetectTimezone(cfg.Scheduler.Timezone),
		now:   time.Now,
	}
}

// Run ticks at scheduler.poll_interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.Scheduler.PollInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
			s.TickHostJobs(ctx)
		}
	}
}

// Tick enqueues every due task on its workspace queue. Status is
// re-checked inside the worker: the task may be paused or deleted
// between "due" and "running".
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.st.DueTasks(s.now())
	if err != nil {
		s.log.Error("due task query failed", "error", err)
		return
	}
	for _, task := range due {
		id := task.ID
		s.queue.EnqueueJob(task.ChatJID, func(ctx context.Context, chatJID string) wsq.Outcome {
			s.runDueTask(ctx, id)
			return wsq.Done
		})
	}
}

func (s *Scheduler) runDueTask(ctx context.Context, id string) {
	task, err := s.st.Task(id)
	if err != nil || task == nil {
		if err != nil {
			s.log.Error("task lookup failed", "task", id, "error", err)
		}
		return
	}
	if task.Status != "active" {
		return
	}
	if s.RunTask == nil {
		s.log.Error("scheduler has no task runner", "task", id)
		return
	}

	started := s.now()
	result, runErr := s.RunTask(ctx, *task)
	duration := s.now().Sub(started)

	run := store.TaskRun{
		TaskID:     task.ID,
		RunAt:      started,
		DurationMs: duration.Milliseconds(),
		Status:     "success",
		Result:     Truncate(result, resultMaxLen),
	}
	if runErr != nil {
		run.Status = "error"
		run.Error = Truncate(runErr.Error(), resultMaxLen)
	}
	if err := s.st.AppendTaskRun(run); err != nil {
		s.log.Error("task run append failed", "task", task.ID, "error", err)
	}

	if runErr == nil && task.RepoAccess != "" && s.Merge != nil {
		if err := s.Merge(ctx, task.GroupFolder); err != nil {
			// A merge that needs a human is a notice, not a failed run.
			s.log.Warn("post-task merge failed", "task", task.ID, "folder", task.GroupFolder, "error", err)
		}
	}

	lastResult := run.Result
	if runErr != nil {
		lastResult = run.Error
	}
	nextRun, status := s.afterRun(task)
	if err := s.st.UpdateTaskAfterRun(task.ID, started, lastResult, status, nextRun); err != nil {
		s.log.Error("task update failed", "task", task.ID, "error", err)
	}
	s.log.Info("scheduled task ran", "task", task.ID, "folder", task.GroupFolder,
		"status", run.Status, "duration_ms", run.DurationMs, "next_run", nextRun)
}

// afterRun resolves the task's next state: one-shots retire, recurring
// tasks advance regardless of the run outcome.
func (s *Scheduler) afterRun(task *store.ScheduledTask) (time.Time, string) {
	if task.ScheduleType == "once" {
		return time.Time{}, "completed"
	}
	next, err := NextRun(task.ScheduleType, task.ScheduleValue, s.now().In(s.loc))
	if err != nil {
		s.log.Error("next run computation failed, pausing task", "task", task.ID, "error", err)
		return time.Time{}, "paused"
	}
	return next, "active"
}

// NextRun computes the next fire time for a schedule.
//   - cron: a five-field cron expression, evaluated in the scheduler tz
//   - interval: seconds (plain integer) or a Go duration string
//   - once: an RFC3339 timestamp, only meaningful before the first run
func NextRun(scheduleType, value string, from time.Time) (time.Time, error) {
	switch scheduleType {
	case "cron":
		next, err := gronx.NextTickAfter(value, from, false)
		if err != nil {
			return time.Time{}, herr.New(herr.Validation, "bad cron expression %q: %v", value, err)
		}
		return next, nil
	case "interval":
		if secs, err := strconv.Atoi(value); err == nil {
			if secs <= 0 {
				return time.Time{}, herr.New(herr.Validation, "interval must be positive, got %q", value)
			}
			return from.Add(time.Duration(secs) * time.Second), nil
		}
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return time.Time{}, herr.New(herr.Validation, "bad interval %q", value)
		}
		return from.Add(d), nil
	case "once":
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, herr.New(herr.Validation, "bad timestamp %q: %v", value, err)
		}
		return at, nil
	default:
		return time.Time{}, herr.New(herr.Validation, "unknown schedule type %q", scheduleType)
	}
}

// ValidateSchedule checks a (type, value) pair without computing a time.
func ValidateSchedule(scheduleType, value string) error {
	_, err := NextRun(scheduleType, value, time.Now())
	return err
}

// CreateTask registers a new periodic agent, computing its first run.
func (s *Scheduler) CreateTask(task store.ScheduledTask) error {
	if task.ID == "" || task.GroupFolder == "" || task.Prompt == "" {
		return herr.New(herr.Validation, "task needs id, group_folder, and prompt")
	}
	next, err := NextRun(task.ScheduleType, task.ScheduleValue, s.now().In(s.loc))
	if err != nil {
		return err
	}
	task.NextRun = next
	return s.st.SaveTask(task)
}

// Truncate caps s at max bytes with an ellipsis marker.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

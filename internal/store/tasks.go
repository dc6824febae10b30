package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledTask is a recurring or one-shot agent prompt.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // "cron", "interval", "once"
	ScheduleValue string
	NextRun       time.Time
	LastRun       time.Time
	LastResult    string
	Status        string // "active", "paused", "completed"
	ContextMode   string // "group", "isolated"
	RepoAccess    string
}

// TaskRun is one execution record of a scheduled task.
type TaskRun struct {
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     string
	Result     string
	Error      string
}

// HostJob is a shell command run on the host on a cron schedule.
type HostJob struct {
	Name           string
	Schedule       string
	Command        string
	Cwd            string
	TimeoutSeconds int
	Enabled        bool
	NextRun        time.Time
	LastRun        time.Time
	LastStatus     string
	LastOutput     string
}

// SaveTask inserts or fully replaces a scheduled task.
func (s *Store) SaveTask(t ScheduledTask) error {
	if t.Status == "" {
		t.Status = "active"
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			next_run, last_run, last_result, status, context_mode, repo_access)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			group_folder = excluded.group_folder,
			chat_jid = excluded.chat_jid,
			prompt = excluded.prompt,
			schedule_type = excluded.schedule_type,
			schedule_value = excluded.schedule_value,
			next_run = excluded.next_run,
			last_run = excluded.last_run,
			last_result = excluded.last_result,
			status = excluded.status,
			context_mode = excluded.context_mode,
			repo_access = excluded.repo_access`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		nullTime(t.NextRun), nullTime(t.LastRun), nullStr(t.LastResult), t.Status, t.ContextMode, nullStr(t.RepoAccess))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// Task returns a scheduled task by id, or nil.
func (s *Store) Task(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Tasks returns all scheduled tasks, optionally filtered by folder.
func (s *Store) Tasks(folder string) ([]ScheduledTask, error) {
	query := taskSelect + ` ORDER BY id`
	args := []any{}
	if folder != "" {
		query = taskSelect + ` WHERE group_folder = ? ORDER BY id`
		args = append(args, folder)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskAfterRun records a run's outcome and advances the schedule.
// next_run zero plus status "completed" retires a one-shot task.
func (s *Store) UpdateTaskAfterRun(id string, lastRun time.Time, lastResult, status string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks SET last_run = ?, last_result = ?, status = ?, next_run = ?
		WHERE id = ?`,
		fmtTime(lastRun), nullStr(lastResult), status, nullTime(nextRun), id)
	return err
}

// SetTaskStatus pauses, resumes, or retires a task.
func (s *Store) SetTaskStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: not found", id)
	}
	return nil
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM task_runs WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTaskRun logs one execution of a scheduled task.
func (s *Store) AppendTaskRun(r TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, fmtTime(r.RunAt), r.DurationMs, r.Status, nullStr(r.Result), nullStr(r.Error))
	return err
}

// TaskRuns returns a task's run history, newest first.
func (s *Store) TaskRuns(taskID string, limit int) ([]TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_runs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var at string
		var result, errStr sql.NullString
		if err := rows.Scan(&r.TaskID, &at, &r.DurationMs, &r.Status, &result, &errStr); err != nil {
			return nil, err
		}
		r.RunAt = parseTime(at)
		r.Result = strOrEmpty(result)
		r.Error = strOrEmpty(errStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
		next_run, last_run, last_result, status, context_mode, repo_access
	FROM scheduled_tasks`

func scanTask(r rowScanner) (ScheduledTask, error) {
	var t ScheduledTask
	var next, last, result, repo sql.NullString
	if err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&next, &last, &result, &t.Status, &t.ContextMode, &repo); err != nil {
		return t, err
	}
	t.NextRun = parseTime(strOrEmpty(next))
	t.LastRun = parseTime(strOrEmpty(last))
	t.LastResult = strOrEmpty(result)
	t.RepoAccess = strOrEmpty(repo)
	return t, nil
}

// SyncHostJobs replaces the host_jobs table with the configured set,
// preserving last-run bookkeeping for jobs that survive the sync.
func (s *Store) SyncHostJobs(jobs []HostJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	names := make([]any, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
		if _, err := tx.Exec(`
			INSERT INTO host_jobs (name, schedule, command, cwd, timeout_seconds, enabled, next_run)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				schedule = excluded.schedule,
				command = excluded.command,
				cwd = excluded.cwd,
				timeout_seconds = excluded.timeout_seconds,
				enabled = excluded.enabled,
				next_run = excluded.next_run`,
			j.Name, j.Schedule, j.Command, j.Cwd, j.TimeoutSeconds, boolInt(j.Enabled), nullTime(j.NextRun)); err != nil {
			return fmt.Errorf("sync host job %s: %w", j.Name, err)
		}
	}
	if len(names) == 0 {
		if _, err := tx.Exec(`DELETE FROM host_jobs`); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`DELETE FROM host_jobs WHERE name NOT IN (`+placeholders(len(names))+`)`, names...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DueHostJobs returns enabled host jobs whose next_run has passed.
func (s *Store) DueHostJobs(now time.Time) ([]HostJob, error) {
	rows, err := s.db.Query(`
		SELECT name, schedule, command, cwd, timeout_seconds, enabled, next_run, last_run, last_status, last_output
		FROM host_jobs WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HostJob
	for rows.Next() {
		var j HostJob
		var enabled int
		var next, last, status, output sql.NullString
		if err := rows.Scan(&j.Name, &j.Schedule, &j.Command, &j.Cwd, &j.TimeoutSeconds, &enabled,
			&next, &last, &status, &output); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		j.NextRun = parseTime(strOrEmpty(next))
		j.LastRun = parseTime(strOrEmpty(last))
		j.LastStatus = strOrEmpty(status)
		j.LastOutput = strOrEmpty(output)
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateHostJobAfterRun records a host job outcome and its next fire time.
func (s *Store) UpdateHostJobAfterRun(name string, lastRun time.Time, status, output string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE host_jobs SET last_run = ?, last_status = ?, last_output = ?, next_run = ?
		WHERE name = ?`,
		fmtTime(lastRun), status, nullStr(output), nullTime(nextRun), name)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

package scheduler

import (
	"context"
	"os/exec"
	"time"

	"github.com/pynchy/pynchy/internal/store"
)

const outputTailLen = 2000

// SyncHostJobs mirrors the [cron_jobs.*] config sections into the
// store, seeding next_run for jobs that never ran. Called once at boot.
func (s *Scheduler) SyncHostJobs() error {
	jobs := make([]store.HostJob, 0, len(s.cfg.CronJobs))
	for name, jc := range s.cfg.CronJobs {
		job := store.HostJob{
			Name:           name,
			Schedule:       jc.Schedule,
			Command:        jc.Command,
			Cwd:            jc.Cwd,
			TimeoutSeconds: jc.TimeoutSeconds,
			Enabled:        jc.Enabled,
		}
		if job.Enabled {
			next, err := NextRun("cron", jc.Schedule, s.now().In(s.loc))
			if err != nil {
				s.log.Error("cron job has a bad schedule, disabling", "job", name, "schedule", jc.Schedule, "error", err)
				job.Enabled = false
			} else {
				job.NextRun = next
			}
		}
		jobs = append(jobs, job)
	}
	return s.st.SyncHostJobs(jobs)
}

// TickHostJobs runs every due host cron job as a shell subprocess.
// These are not LLM-driven and do not touch the workspace queue.
func (s *Scheduler) TickHostJobs(ctx context.Context) {
	due, err := s.st.DueHostJobs(s.now())
	if err != nil {
		s.log.Error("due host job query failed", "error", err)
		return
	}
	for _, job := range due {
		s.runHostJob(ctx, job)
	}
}

func (s *Scheduler) runHostJob(ctx context.Context, job store.HostJob) {
	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", job.Command)
	if job.Cwd != "" {
		cmd.Dir = job.Cwd
	}
	out, runErr := cmd.CombinedOutput()

	status := "success"
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = "timeout"
	case runErr != nil:
		status = "error"
	}
	tail := tailString(string(out), outputTailLen)
	s.log.Info("host cron job ran", "job", job.Name, "status", status, "duration", s.now().Sub(started))

	next, err := NextRun("cron", job.Schedule, s.now().In(s.loc))
	if err != nil {
		next = time.Time{}
	}
	if err := s.st.UpdateHostJobAfterRun(job.Name, started, status, tail, next); err != nil {
		s.log.Error("host job update failed", "job", job.Name, "error", err)
	}
}

// tailString keeps the last max bytes; failures usually sit at the end
// of the output.
func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// Package wsq serializes agent work per workspace: one worker goroutine
// per chat JID, coalesced wake-ups, bounded retry with exponential
// backoff, and the registry binding container processes to workspaces.
package wsq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is what one worker pass reports.
type Outcome int

const (
	// Done means the check completed (including "nothing to do").
	Done Outcome = iota
	// Retry means the run failed before producing output; the queue
	// re-runs after backoff.
	Retry
)

// Runner performs one message check for a workspace.
type Runner func(ctx context.Context, chatJID string) Outcome

// Queue coalesces message checks per workspace and runs them one at a
// time.
type Queue struct {
	log        *slog.Logger
	run        Runner
	baseRetry  time.Duration
	maxRetries int

	mu      sync.Mutex
	active  map[string]bool     // worker goroutine running
	pending map[string]bool     // another check requested while running
	jobs    map[string][]Runner // one-shot jobs, drained before checks

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a queue. baseRetry and maxRetries mirror the [queue]
// config section.
func New(log *slog.Logger, run Runner, baseRetry time.Duration, maxRetries int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:        log,
		run:        run,
		baseRetry:  baseRetry,
		maxRetries: maxRetries,
		active:     make(map[string]bool),
		pending:    make(map[string]bool),
		jobs:       make(map[string][]Runner),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// EnqueueMessageCheck requests a check for chatJID. Calls while a worker
// is already running coalesce into at most one follow-up pass.
func (q *Queue) EnqueueMessageCheck(chatJID string) {
	q.mu.Lock()
	q.pending[chatJID] = true
	q.wake(chatJID)
}

// EnqueueJob runs a one-shot job on the workspace's worker, serialized
// with message checks. Jobs are FIFO and never coalesced; the scheduler
// uses this so task runs cannot overlap user messages.
func (q *Queue) EnqueueJob(chatJID string, job Runner) {
	q.mu.Lock()
	q.jobs[chatJID] = append(q.jobs[chatJID], job)
	q.wake(chatJID)
}

// wake starts a worker unless one is running. Called with mu held;
// releases it.
func (q *Queue) wake(chatJID string) {
	if q.active[chatJID] {
		q.mu.Unlock()
		return
	}
	q.active[chatJID] = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.worker(chatJID)
}

func (q *Queue) worker(chatJID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var job Runner
		switch {
		case len(q.jobs[chatJID]) > 0:
			job = q.jobs[chatJID][0]
			q.jobs[chatJID] = q.jobs[chatJID][1:]
		case q.pending[chatJID]:
			delete(q.pending, chatJID)
			job = q.run
		default:
			delete(q.active, chatJID)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.runWithRetry(chatJID, job)
	}
}

func (q *Queue) runWithRetry(chatJID string, job Runner) {
	for attempt := 0; ; attempt++ {
		if q.ctx.Err() != nil {
			return
		}
		if job(q.ctx, chatJID) == Done {
			return
		}
		if attempt >= q.maxRetries {
			q.log.Error("message check failed, retries exhausted", "jid", chatJID, "attempts", attempt+1)
			return
		}
		delay := q.baseRetry << attempt
		q.log.Warn("message check failed, backing off", "jid", chatJID, "attempt", attempt+1, "delay", delay)
		select {
		case <-q.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// DrainPending clears any coalesced follow-up for chatJID. Used when an
// interrupt stops the active process and wants a clean re-check.
func (q *Queue) DrainPending(chatJID string) {
	q.mu.Lock()
	delete(q.pending, chatJID)
	q.mu.Unlock()
}

// IsActive reports whether a worker is currently running for chatJID.
func (q *Queue) IsActive(chatJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[chatJID]
}

// Shutdown cancels workers and waits for them to exit.
func (q *Queue) Shutdown(ctx context.Context) {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		q.log.Warn("queue shutdown timed out with workers still running")
	case <-done:
	}
}

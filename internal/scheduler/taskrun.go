package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/session"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// SessionRunner is the slice of the session manager task runs need.
type SessionRunner interface {
	RunQuery(ctx context.Context, req session.QueryRequest) error
}

// Broadcaster streams task previews to the workspace chat and replaces
// them with the final text once the run ends.
type Broadcaster interface {
	BroadcastFormatted(ctx context.Context, chatJID, text string, opts bus.BroadcastOpts) (map[string]string, error)
	FinalizeStreamOrBroadcast(ctx context.Context, chatJID, text string, streamIDs map[string]string, opts bus.BroadcastOpts)
}

// NewTaskRunner builds the RunTask implementation: a one-shot container
// run with idle destruction disabled, streamed previews, and an idle
// watchdog that closes stdin when the container goes quiet so it exits
// instead of blocking on the input loop.
func NewTaskRunner(sessions SessionRunner, out Broadcaster, reg *wsq.Registry, idleTimeout time.Duration, log *slog.Logger) TaskRunner {
	return func(ctx context.Context, task store.ScheduledTask) (string, error) {
		var mu sync.Mutex
		var chunks []string
		streamIDs := make(map[string]string)

		watchdog := newIdleWatchdog(idleTimeout, func() {
			log.Warn("task container quiet, closing stdin", "task", task.ID, "folder", task.GroupFolder)
			if err := reg.CloseStdin(task.ChatJID); err != nil {
				log.Error("stdin close failed", "task", task.ID, "error", err)
			}
		})
		defer watchdog.stop()

		onOutput := func(ev protocol.OutputEvent) {
			watchdog.touch()
			switch ev.Type {
			case protocol.OutputText:
				if ev.Text == "" {
					return
				}
				mu.Lock()
				chunks = append(chunks, ev.Text)
				mu.Unlock()
				bctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				ids, err := out.BroadcastFormatted(bctx, task.ChatJID, ev.Text, bus.BroadcastOpts{SuppressErrors: true, Source: "agent"})
				if err != nil {
					log.Error("task preview broadcast failed", "task", task.ID, "error", err)
					return
				}
				// Remember each channel's latest preview so the final
				// text can replace it in place.
				mu.Lock()
				for name, id := range ids {
					streamIDs[name] = id
				}
				mu.Unlock()
			case protocol.OutputToolUse:
				if ev.ToolName == "" {
					return
				}
				bctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := out.BroadcastFormatted(bctx, task.ChatJID, "🔧 "+ev.ToolName, bus.BroadcastOpts{SuppressErrors: true, Source: "agent"}); err != nil {
					log.Error("task preview broadcast failed", "task", task.ID, "error", err)
				}
			}
		}

		noIdle := time.Duration(0)
		req := session.QueryRequest{
			ChatJID:      task.ChatJID,
			Folder:       task.GroupFolder,
			Text:         task.Prompt,
			IsTask:       true,
			OnOutput:     onOutput,
			IdleOverride: &noIdle,
		}
		watchdog.touch()
		err := sessions.RunQuery(ctx, req)

		mu.Lock()
		result := strings.Join(chunks, "\n")
		ids := make(map[string]string, len(streamIDs))
		for name, id := range streamIDs {
			ids[name] = id
		}
		nchunks := len(chunks)
		mu.Unlock()

		// A multi-chunk run ends with the joined result replacing each
		// channel's last preview; single-chunk runs already read right.
		if err == nil && result != "" && nchunks > 1 {
			fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			out.FinalizeStreamOrBroadcast(fctx, task.ChatJID, result, ids, bus.BroadcastOpts{SuppressErrors: true, Source: "agent"})
			cancel()
		}
		return result, err
	}
}

// idleWatchdog fires once after a quiet period; every touch rearms it.
type idleWatchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	fire    func()
	stopped bool
}

func newIdleWatchdog(timeout time.Duration, fire func()) *idleWatchdog {
	return &idleWatchdog{timeout: timeout, fire: fire}
}

func (w *idleWatchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.timeout <= 0 {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *idleWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

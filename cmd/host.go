package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pynchy/pynchy/internal/approval"
	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/channels/telegram"
	"github.com/pynchy/pynchy/internal/channels/tui"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/gateway"
	"github.com/pynchy/pynchy/internal/gateway/litellm"
	"github.com/pynchy/pynchy/internal/gateway/mcpproxy"
	"github.com/pynchy/pynchy/internal/gateway/mcprun"
	"github.com/pynchy/pynchy/internal/gitsync"
	"github.com/pynchy/pynchy/internal/httpapi"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/router"
	"github.com/pynchy/pynchy/internal/scheduler"
	"github.com/pynchy/pynchy/internal/security"
	"github.com/pynchy/pynchy/internal/session"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/tracing"
	"github.com/pynchy/pynchy/internal/wsq"
)

// shutdownGrace is how long a graceful stop may take before the
// watchdog hard-exits the process.
const shutdownGrace = 12 * time.Second

func hostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Run the agent host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			h := &host{
				cfg: cfg,
				log: newLogger(os.Stderr, cfg.Logging.Level),
			}
			return h.run()
		},
	}
}

// host holds every subsystem for one process lifetime. Fields are set
// during the boot phases and read-only afterwards.
type host struct {
	cfg *config.Config
	log *slog.Logger

	st     *store.Store
	events *bus.Events
	traces *tracing.Provider
	layout ipc.Layout

	gates    *security.Registry
	mcps     *mcprun.Manager
	mcpProxy *mcpproxy.Proxy
	proxy    *gateway.Proxy   // built-in gateway mode
	llm      *litellm.Manager // litellm mode

	chans      *channels.Manager
	tuiCh      *tui.Channel
	telegrams  []*telegram.Channel
	reconciler *channels.Reconciler
	outbound   *bus.Outbound

	reg        *wsq.Registry
	queue      *wsq.Queue
	sessions   *session.Manager
	rtr        *router.Router
	sched      *scheduler.Scheduler
	approvals  *approval.Manager
	dispatcher *ipc.TaskDispatcher
	watcher    *ipc.Watcher
	httpSrv    *httpapi.Server

	selfCoord  *gitsync.Coordinator
	repoCoords map[string]*gitsync.Coordinator
	pollers    []*gitsync.Poller

	taskGateMu sync.Mutex
	taskGates  map[string]*security.Gate

	warnMu       sync.Mutex
	bootWarnings []string

	// rootCtx backs IPC-driven work that outlives the event that
	// triggered it. Cancelled on shutdown.
	rootCtx context.Context

	restartOnce sync.Once
	restartCh   chan struct{}
}

func (h *host) run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rootCtx = runCtx
	h.restartCh = make(chan struct{})
	h.taskGates = make(map[string]*security.Gate)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := h.boot(runCtx); err != nil {
		return h.failBoot(runCtx, err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	h.startSubsystems(g, gctx)
	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	h.postBoot(runCtx)

	var runErr error
	restart := false
	select {
	case <-sigCh:
		h.log.Info("shutdown signal received")
		// Second signal skips the graceful path entirely.
		go func() {
			<-sigCh
			os.Exit(1)
		}()
	case <-h.restartCh:
		restart = true
		h.log.Info("restarting for deploy")
	case runErr = <-errCh:
		h.log.Error("subsystem failed", "error", runErr)
	}

	time.AfterFunc(shutdownGrace, func() {
		h.log.Error("shutdown grace period expired, hard exit")
		os.Exit(1)
	})
	h.shutdown(cancel, restart)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// boot runs the startup phases in order. Any error aborts the boot and,
// when a deploy continuation is pending, triggers a rollback.
func (h *host) boot(ctx context.Context) error {
	if err := h.initCore(ctx); err != nil {
		return fmt.Errorf("core init: %w", err)
	}
	if err := h.setupChannels(ctx); err != nil {
		return fmt.Errorf("channel setup: %w", err)
	}
	if err := h.buildPipeline(ctx); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := h.firstRun(ctx); err != nil {
		return fmt.Errorf("first run: %w", err)
	}
	if err := h.reconcileState(ctx); err != nil {
		return fmt.Errorf("state reconciliation: %w", err)
	}
	return nil
}

func (h *host) startSubsystems(g *errgroup.Group, ctx context.Context) {
	serve := func(name string, run func(context.Context) error) {
		g.Go(func() error {
			err := run(ctx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if h.proxy != nil {
		serve("llm gateway", h.proxy.Start)
	}
	serve("mcp proxy", func(ctx context.Context) error { return h.mcpProxy.Start(ctx, h.cfg) })
	serve("http server", h.httpSrv.Start)
	serve("ipc watcher", h.watcher.Run)
	serve("scheduler", h.sched.Run)
	for _, p := range h.pollers {
		serve("git poller", p.Run)
	}
	// Message loop last: everything it dispatches into must be up.
	serve("router", h.rtr.Run)

	go h.mcps.RunIdleChecker(ctx, time.Minute)
	go h.mcps.WarmUp(ctx)
	go h.sweepLoop(ctx)
}

func (h *host) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.approvals.Sweep(ctx)
		}
	}
}

// postBoot runs the catch-up work that needs every subsystem live.
func (h *host) postBoot(ctx context.Context) {
	h.outbound.SendHostMessage(ctx, h.adminJID(), fmt.Sprintf("Pynchy host started (%s)", Version))
	h.flushBootWarnings(ctx)
	h.catchup(ctx)
	h.recoverPending(ctx)
	h.consumeContinuation(ctx)
}

func (h *host) shutdown(cancel context.CancelFunc, restart bool) {
	ctx, done := context.WithTimeout(context.Background(), shutdownGrace-2*time.Second)
	defer done()

	if !restart {
		h.outbound.SendHostMessage(ctx, h.adminJID(), "Pynchy host shutting down")
	}
	cancel()
	h.queue.Shutdown(ctx)
	if !restart {
		// Across a deploy restart the containers stay up; the
		// continuation file names the sessions to resume.
		h.sessions.DestroyAll(ctx)
	}
	h.mcps.StopAll(ctx)
	if h.llm != nil {
		h.llm.Stop(ctx)
	}
	if err := h.traces.Shutdown(ctx); err != nil {
		h.log.Warn("trace flush failed", "error", err)
	}
	h.chans.StopAll(ctx)
	if err := h.st.Close(); err != nil {
		h.log.Warn("store close failed", "error", err)
	}
}

// failBoot persists unbroadcast warnings and, when this boot was the
// first after a self-deploy, rolls the repo back so the supervisor
// restarts us on the previous commit.
func (h *host) failBoot(ctx context.Context, err error) error {
	h.persistBootWarnings()
	if h.st != nil {
		h.st.Close()
	}
	dc, perr := gitsync.PeekContinuation(h.cfg.DataDir())
	if perr != nil {
		h.log.Warn("continuation peek failed", "error", perr)
		return err
	}
	if dc == nil || dc.PreviousCommitSHA == "" || h.selfCoord == nil {
		return err
	}
	h.log.Error("boot failed after deploy, rolling back",
		"error", err, "previous", shortSHA(dc.PreviousCommitSHA))
	if rerr := h.selfCoord.Rollback(ctx, dc.PreviousCommitSHA); rerr != nil {
		h.log.Error("rollback failed", "error", rerr)
		return err
	}
	dc.RollbackNote = fmt.Sprintf("Deploy of %s failed to boot; rolled back to %s.",
		shortSHA(dc.CommitSHA), shortSHA(dc.PreviousCommitSHA))
	if werr := gitsync.WriteContinuation(h.cfg.DataDir(), *dc); werr != nil {
		h.log.Warn("continuation rewrite failed", "error", werr)
	}
	return fmt.Errorf("boot failed, rolled back to %s: %w", shortSHA(dc.PreviousCommitSHA), err)
}

func (h *host) requestRestart() {
	h.restartOnce.Do(func() { close(h.restartCh) })
}

// adminJID is where host notices land: the first admin workspace's
// chat, falling back to the local operator.
func (h *host) adminJID() string {
	for _, folder := range h.cfg.AdminWorkspaces() {
		if jid := h.chatJIDFor(folder); jid != "" {
			return jid
		}
	}
	return tui.OperatorJID
}

// chatJIDFor resolves a workspace folder to its chat JID.
func (h *host) chatJIDFor(folder string) string {
	if w, err := h.st.WorkspaceByFolder(folder); err == nil && w != nil {
		return w.JID
	}
	if ws, ok := h.cfg.Workspaces[folder]; ok && ws.Chat != "" {
		return ws.Chat
	}
	return tui.OperatorJID
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func (h *host) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	h.log.Warn(msg)
	h.warnMu.Lock()
	h.bootWarnings = append(h.bootWarnings, msg)
	h.warnMu.Unlock()
}

package wsq

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// ContainerProc is the minimal process handle the registry needs to
// stop a container. The session manager wraps *exec.Cmd into this.
type ContainerProc interface {
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill force-stops the process (SIGKILL).
	Kill() error
	// Done is closed when the process has exited.
	Done() <-chan struct{}
}

// Process binds a running container to a workspace.
type Process struct {
	Proc          ContainerProc
	ContainerName string
	Folder        string
	IsTask        bool // scheduled-task container, not a message session
}

// Registry maps chat JIDs to their active container process.
type Registry struct {
	layout ipc.Layout
	log    *slog.Logger

	// RemoveContainer force-removes a container by name after the
	// process is down (docker rm -f). Injected for tests.
	RemoveContainer func(ctx context.Context, name string) error

	mu    sync.Mutex
	procs map[string]*Process
}

// NewRegistry builds an empty process registry.
func NewRegistry(layout ipc.Layout, log *slog.Logger, removeContainer func(ctx context.Context, name string) error) *Registry {
	if removeContainer == nil {
		removeContainer = func(context.Context, string) error { return nil }
	}
	return &Registry{
		layout:          layout,
		log:             log,
		RemoveContainer: removeContainer,
		procs:           make(map[string]*Process),
	}
}

// RegisterProcess binds a container to a workspace, replacing any
// previous binding.
func (r *Registry) RegisterProcess(chatJID string, p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[chatJID] = p
}

// UnregisterProcess drops the binding if it still points at p.
func (r *Registry) UnregisterProcess(chatJID string, p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs[chatJID] == p {
		delete(r.procs, chatJID)
	}
}

// Active returns the bound process for chatJID, or nil.
func (r *Registry) Active(chatJID string) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[chatJID]
}

// IsActiveTask reports whether the bound container is a scheduled-task
// run.
func (r *Registry) IsActiveTask(chatJID string) bool {
	p := r.Active(chatJID)
	return p != nil && p.IsTask
}

// SendMessage writes an IPC input file for the bound container. Returns
// false when no process is bound (the caller should cold-start instead).
func (r *Registry) SendMessage(chatJID, text string) (bool, error) {
	p := r.Active(chatJID)
	if p == nil {
		return false, nil
	}
	path := filepath.Join(r.layout.Dir(p.Folder, ipc.DirInput), ipc.NextFilename())
	if err := ipc.WriteJSON(path, protocol.InputMessage{Type: "message", Text: text}); err != nil {
		return true, err
	}
	return true, nil
}

// CloseStdin writes the close sentinel so the container exits its input
// wait loop.
func (r *Registry) CloseStdin(chatJID string) error {
	p := r.Active(chatJID)
	if p == nil {
		return nil
	}
	return ipc.Touch(filepath.Join(r.layout.Dir(p.Folder, ipc.DirInput), protocol.CloseSentinel))
}

// StopActiveProcess stops the bound container: close sentinel, graceful
// signal with a 5s wait, force kill with a 2s wait, then container
// removal by name. Idempotent; a missing binding is a no-op.
func (r *Registry) StopActiveProcess(ctx context.Context, chatJID string) {
	r.mu.Lock()
	p := r.procs[chatJID]
	delete(r.procs, chatJID)
	r.mu.Unlock()
	if p == nil {
		return
	}

	if err := r.CloseStdinFor(p); err != nil {
		r.log.Warn("close sentinel write failed", "folder", p.Folder, "error", err)
	}
	r.stopProc(p)

	if err := r.RemoveContainer(ctx, p.ContainerName); err != nil {
		r.log.Warn("container remove failed", "container", p.ContainerName, "error", err)
	}
}

// CloseStdinFor writes the close sentinel for a specific process.
func (r *Registry) CloseStdinFor(p *Process) error {
	return ipc.Touch(filepath.Join(r.layout.Dir(p.Folder, ipc.DirInput), protocol.CloseSentinel))
}

func (r *Registry) stopProc(p *Process) {
	select {
	case <-p.Proc.Done():
		return
	default:
	}

	if err := p.Proc.Terminate(); err != nil {
		r.log.Debug("terminate failed", "container", p.ContainerName, "error", err)
	}
	select {
	case <-p.Proc.Done():
		return
	case <-time.After(5 * time.Second):
	}

	if err := p.Proc.Kill(); err != nil {
		r.log.Debug("kill failed", "container", p.ContainerName, "error", err)
	}
	select {
	case <-p.Proc.Done():
	case <-time.After(2 * time.Second):
		r.log.Error("container process survived SIGKILL wait", "container", p.ContainerName)
	}
}

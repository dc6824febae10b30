package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watchedSubdirs are the host-consumed directories. input/ and responses/
// are container-consumed and never watched by the host.
var watchedSubdirs = map[string]bool{
	DirOutput:            true,
	DirTasks:             true,
	DirApprovalDecisions: true,
}

// FileEvent is one IPC file ready for processing.
type FileEvent struct {
	Folder string
	Subdir string
	Path   string
}

// Watcher observes the IPC root and feeds file events to a single
// dispatcher goroutine. A startup sweep replays files that landed while
// the host was down.
type Watcher struct {
	layout Layout
	log    *slog.Logger
	handle func(FileEvent)

	fsw    *fsnotify.Watcher
	events chan FileEvent
}

// NewWatcher builds a watcher; handle runs on the dispatcher goroutine,
// one file at a time, in arrival order.
func NewWatcher(layout Layout, log *slog.Logger, handle func(FileEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		layout: layout,
		log:    log,
		handle: handle,
		fsw:    fsw,
		events: make(chan FileEvent, 1024),
	}, nil
}

// Run installs watches, sweeps existing files, then dispatches until ctx
// is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := os.MkdirAll(w.layout.Root, 0o755); err != nil {
		return err
	}
	if err := w.fsw.Add(w.layout.Root); err != nil {
		return err
	}
	folders, err := w.layout.Folders()
	if err != nil {
		return err
	}
	for _, folder := range folders {
		w.watchFolder(folder)
	}

	go w.readLoop(ctx)

	// Sweep after watches are installed so nothing slips between the
	// directory listing and the first notification.
	w.sweep(folders)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.events:
			w.handle(ev)
		}
	}
}

// WatchFolder registers a newly-created workspace tree at runtime.
func (w *Watcher) WatchFolder(folder string) {
	w.watchFolder(folder)
	w.sweep([]string{folder})
}

func (w *Watcher) watchFolder(folder string) {
	for sub := range watchedSubdirs {
		dir := w.layout.Dir(folder, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.log.Warn("ipc watch mkdir failed", "dir", dir, "error", err)
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warn("ipc watch failed", "dir", dir, "error", err)
		}
	}
}

func (w *Watcher) sweep(folders []string) {
	for _, folder := range folders {
		for sub := range watchedSubdirs {
			files, err := ListJSONSorted(w.layout.Dir(folder, sub))
			if err != nil {
				w.log.Warn("ipc sweep failed", "folder", folder, "dir", sub, "error", err)
				continue
			}
			for _, path := range files {
				w.enqueue(FileEvent{Folder: folder, Subdir: sub, Path: path})
			}
		}
	}
}

func (w *Watcher) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onFsEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("ipc watcher error", "error", err)
		}
	}
}

func (w *Watcher) onFsEvent(ev fsnotify.Event) {
	// Atomic writes land as a rename; direct writes as a create.
	if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.layout.Root, ev.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new folder directory appeared under the root.
	if len(parts) == 1 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && parts[0] != ErrorsDir {
			w.watchFolder(parts[0])
		}
		return
	}
	if len(parts) != 3 {
		return
	}
	folder, sub, name := parts[0], parts[1], parts[2]
	if !watchedSubdirs[sub] || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
		return
	}
	w.enqueue(FileEvent{Folder: folder, Subdir: sub, Path: ev.Name})
}

func (w *Watcher) enqueue(ev FileEvent) {
	select {
	case w.events <- ev:
	default:
		// Queue full: process inline rather than drop. The dispatcher
		// drains fast enough that this is a stall, not a steady state.
		w.log.Warn("ipc event queue full", "path", ev.Path)
		w.events <- ev
	}
}

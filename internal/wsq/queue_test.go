package wsq

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/pkg/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_OneWorkerPerWorkspace(t *testing.T) {
	var mu sync.Mutex
	concurrent := 0
	maxConcurrent := 0

	q := New(discard(), func(ctx context.Context, jid string) Outcome {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return Done
	}, time.Millisecond, 0)

	for i := 0; i < 10; i++ {
		q.EnqueueMessageCheck("acme@g.us")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if maxConcurrent != 1 {
		t.Errorf("max concurrent workers = %d, want 1", maxConcurrent)
	}
}

func TestQueue_CoalescesChecks(t *testing.T) {
	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	q := New(discard(), func(ctx context.Context, jid string) Outcome {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return Done
	}, time.Millisecond, 0)

	q.EnqueueMessageCheck("acme@g.us")
	<-started
	// Five requests during the in-flight run collapse into one follow-up.
	for i := 0; i < 5; i++ {
		q.EnqueueMessageCheck("acme@g.us")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 (initial + one coalesced)", got)
	}
}

func TestQueue_RetryWithBackoff(t *testing.T) {
	var runs atomic.Int32
	q := New(discard(), func(ctx context.Context, jid string) Outcome {
		if runs.Add(1) < 3 {
			return Retry
		}
		return Done
	}, time.Millisecond, 3)

	q.EnqueueMessageCheck("acme@g.us")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3 (two failures then success)", got)
	}
}

func TestQueue_RetriesExhausted(t *testing.T) {
	var runs atomic.Int32
	q := New(discard(), func(ctx context.Context, jid string) Outcome {
		runs.Add(1)
		return Retry
	}, time.Millisecond, 2)

	q.EnqueueMessageCheck("acme@g.us")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestQueue_JobsSerializeWithChecksFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) Runner {
		return func(ctx context.Context, jid string) Outcome {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return Done
		}
	}

	q := New(discard(), record("check"), time.Millisecond, 0)
	q.EnqueueJob("acme@g.us", record("task-1"))
	q.EnqueueJob("acme@g.us", record("task-2"))
	q.EnqueueMessageCheck("acme@g.us")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "task-1" || order[1] != "task-2" || order[2] != "check" {
		t.Errorf("order = %v", order)
	}
}

type fakeProc struct {
	done      chan struct{}
	termed    atomic.Bool
	killed    atomic.Bool
	dieOnTerm bool
}

func newFakeProc(dieOnTerm bool) *fakeProc {
	return &fakeProc{done: make(chan struct{}), dieOnTerm: dieOnTerm}
}

func (f *fakeProc) Terminate() error {
	f.termed.Store(true)
	if f.dieOnTerm {
		f.exit()
	}
	return nil
}

func (f *fakeProc) Kill() error {
	f.killed.Store(true)
	f.exit()
	return nil
}

func (f *fakeProc) exit() {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *fakeProc) Done() <-chan struct{} { return f.done }

func testRegistry(t *testing.T) (*Registry, ipc.Layout, *[]string) {
	t.Helper()
	layout := ipc.Layout{Root: t.TempDir()}
	removed := &[]string{}
	r := NewRegistry(layout, discard(), func(ctx context.Context, name string) error {
		*removed = append(*removed, name)
		return nil
	})
	return r, layout, removed
}

func TestRegistry_SendMessageOnlyWhenBound(t *testing.T) {
	r, layout, _ := testRegistry(t)

	sent, err := r.SendMessage("acme@g.us", "hi")
	if err != nil || sent {
		t.Fatalf("unbound send: sent=%v err=%v", sent, err)
	}

	proc := newFakeProc(true)
	r.RegisterProcess("acme@g.us", &Process{Proc: proc, ContainerName: "pynchy-acme", Folder: "acme"})
	sent, err = r.SendMessage("acme@g.us", "hi")
	if err != nil || !sent {
		t.Fatalf("bound send: sent=%v err=%v", sent, err)
	}

	files, err := ipc.ListJSONSorted(layout.Dir("acme", ipc.DirInput))
	if err != nil || len(files) != 1 {
		t.Fatalf("input files = %v err=%v", files, err)
	}
	var m protocol.InputMessage
	if err := ipc.ReadAndRemove(files[0], &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != "message" || m.Text != "hi" {
		t.Errorf("input = %+v", m)
	}
}

func TestRegistry_StopActiveProcess(t *testing.T) {
	r, layout, removed := testRegistry(t)
	proc := newFakeProc(true)
	p := &Process{Proc: proc, ContainerName: "pynchy-acme", Folder: "acme"}
	r.RegisterProcess("acme@g.us", p)

	r.StopActiveProcess(context.Background(), "acme@g.us")

	if !proc.termed.Load() {
		t.Error("process not terminated")
	}
	if proc.killed.Load() {
		t.Error("graceful exit should not escalate to kill")
	}
	if len(*removed) != 1 || (*removed)[0] != "pynchy-acme" {
		t.Errorf("removed containers = %v", *removed)
	}
	if r.Active("acme@g.us") != nil {
		t.Error("binding survived stop")
	}
	// Sentinel written so the container's input loop exits.
	if _, err := os.Stat(filepath.Join(layout.Dir("acme", ipc.DirInput), protocol.CloseSentinel)); err != nil {
		t.Errorf("close sentinel missing: %v", err)
	}

	// Idempotent.
	r.StopActiveProcess(context.Background(), "acme@g.us")
	if len(*removed) != 1 {
		t.Errorf("second stop removed again: %v", *removed)
	}
}

func TestRegistry_IsActiveTask(t *testing.T) {
	r, _, _ := testRegistry(t)
	r.RegisterProcess("acme@g.us", &Process{Proc: newFakeProc(true), ContainerName: "pynchy-acme-123", Folder: "acme", IsTask: true})
	if !r.IsActiveTask("acme@g.us") {
		t.Error("task container not reported")
	}
	if r.IsActiveTask("other@g.us") {
		t.Error("unbound jid reported as task")
	}
}

func TestRegistry_UnregisterOnlyMatching(t *testing.T) {
	r, _, _ := testRegistry(t)
	p1 := &Process{Proc: newFakeProc(true), ContainerName: "a", Folder: "acme"}
	p2 := &Process{Proc: newFakeProc(true), ContainerName: "b", Folder: "acme"}
	r.RegisterProcess("acme@g.us", p1)
	r.RegisterProcess("acme@g.us", p2) // replaced
	r.UnregisterProcess("acme@g.us", p1)
	if r.Active("acme@g.us") != p2 {
		t.Error("stale unregister removed the new binding")
	}
}

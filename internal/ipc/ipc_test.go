package ipc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/pynchy/pynchy/pkg/protocol"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	return Layout{Root: t.TempDir()}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteJSON_AtomicNoTmpLeft(t *testing.T) {
	l := testLayout(t)
	if err := l.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(l.Dir("acme", DirInput), "msg.json")
	if err := WriteJSON(path, protocol.InputMessage{Type: "message", Text: "hi"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}

	var m protocol.InputMessage
	if err := ReadAndRemove(path, &m); err != nil {
		t.Fatalf("ReadAndRemove: %v", err)
	}
	if m.Text != "hi" {
		t.Errorf("text = %q", m.Text)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file not unlinked after read")
	}
}

func TestReadAndRemove_ParseFailureKeepsFile(t *testing.T) {
	l := testLayout(t)
	if err := l.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(l.Dir("acme", DirOutput), "bad.json")
	if err := WriteRaw(path, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	if err := ReadAndRemove(path, &v); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("failed file should stay for quarantine")
	}
}

func TestQuarantine(t *testing.T) {
	l := testLayout(t)
	if err := l.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(l.Dir("acme", DirTasks), "bad.json")
	if err := WriteRaw(path, []byte("junk")); err != nil {
		t.Fatal(err)
	}
	if err := l.Quarantine("acme", path); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(l.ErrorsPath("acme", "bad.json")); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
}

func TestListJSONSorted_OrderAndFiltering(t *testing.T) {
	l := testLayout(t)
	dir := l.Dir("acme", DirOutput)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"0002.json", "0001.json", "0003.json.tmp", "notes.txt", protocol.CloseSentinel} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListJSONSorted(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "0001.json" || filepath.Base(files[1]) != "0002.json" {
		t.Errorf("order = %v", files)
	}
}

func TestNextFilename_Monotonic(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		name := NextFilename()
		if name <= prev {
			t.Fatalf("filename %q not greater than %q", name, prev)
		}
		prev = name
	}
}

func TestCleanStale_PreservesInitial(t *testing.T) {
	l := testLayout(t)
	if err := l.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	input := l.Dir("acme", DirInput)
	for _, name := range []string{protocol.InitialInputFile, "old-msg.json"} {
		if err := os.WriteFile(filepath.Join(input, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(l.Dir("acme", DirOutput), "stale.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := l.CleanStale("acme", protocol.InitialInputFile); err != nil {
		t.Fatalf("CleanStale: %v", err)
	}
	if _, err := os.Stat(filepath.Join(input, protocol.InitialInputFile)); err != nil {
		t.Error("initial.json removed by stale sweep")
	}
	if _, err := os.Stat(filepath.Join(input, "old-msg.json")); !os.IsNotExist(err) {
		t.Error("stale input survived")
	}
	if _, err := os.Stat(filepath.Join(l.Dir("acme", DirOutput), "stale.json")); !os.IsNotExist(err) {
		t.Error("stale output survived")
	}
}

func writeTask(t *testing.T, l Layout, folder string, payload map[string]any) string {
	t.Helper()
	if err := l.EnsureFolder(folder); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(l.Dir(folder, DirTasks), NextFilename())
	if err := WriteJSON(path, payload); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTaskDispatcher_SignalRequiresAdmin(t *testing.T) {
	l := testLayout(t)
	called := false
	d := NewTaskDispatcher(l, discard(), func(folder string) bool { return folder == "admin" })
	d.HandleSignal("refresh_groups", func(ctx context.Context, tc TaskContext) (map[string]any, error) {
		called = true
		return nil, nil
	})

	path := writeTask(t, l, "acme", map[string]any{"type": "refresh_groups", "request_id": "r1"})
	d.Dispatch(context.Background(), "acme", path)
	if called {
		t.Error("non-admin signal was handled")
	}

	var resp protocol.TaskResponse
	respPath := filepath.Join(l.Dir("acme", DirResponses), "r1.json")
	if err := ReadAndRemove(respPath, &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected unauthorized error in response")
	}

	path = writeTask(t, l, "admin", map[string]any{"type": "refresh_groups"})
	d.Dispatch(context.Background(), "admin", path)
	if !called {
		t.Error("admin signal not handled")
	}
}

func TestTaskDispatcher_PrefixRouting(t *testing.T) {
	l := testLayout(t)
	var gotType string
	d := NewTaskDispatcher(l, discard(), func(string) bool { return false })
	d.HandlePrefix("service", func(ctx context.Context, tc TaskContext) (map[string]any, error) {
		gotType = tc.Task.Type
		return map[string]any{"ok": true}, nil
	})

	path := writeTask(t, l, "acme", map[string]any{"type": "service:web_search", "request_id": "r2", "query": "golang"})
	d.Dispatch(context.Background(), "acme", path)
	if gotType != "service:web_search" {
		t.Errorf("handler saw type %q", gotType)
	}

	var resp protocol.TaskResponse
	if err := ReadAndRemove(filepath.Join(l.Dir("acme", DirResponses), "r2.json"), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" || resp.Result["ok"] != true {
		t.Errorf("response = %+v", resp)
	}
}

func TestTaskDispatcher_PinsForeignChatTarget(t *testing.T) {
	l := testLayout(t)
	var got []string
	d := NewTaskDispatcher(l, discard(), func(folder string) bool { return folder == "admin" })
	d.WorkspaceJID = func(folder string) string { return folder + "@g.us" }
	d.HandleCommand("create_periodic_agent", func(ctx context.Context, tc TaskContext) (map[string]any, error) {
		got = append(got, tc.Task.ChatJID)
		return nil, nil
	})

	path := writeTask(t, l, "acme", map[string]any{"type": "create_periodic_agent", "chat_jid": "victim@g.us"})
	d.Dispatch(context.Background(), "acme", path)

	path = writeTask(t, l, "acme", map[string]any{"type": "create_periodic_agent", "chat_jid": "acme@g.us"})
	d.Dispatch(context.Background(), "acme", path)

	path = writeTask(t, l, "admin", map[string]any{"type": "create_periodic_agent", "chat_jid": "victim@g.us"})
	d.Dispatch(context.Background(), "admin", path)

	want := []string{"acme@g.us", "acme@g.us", "victim@g.us"}
	if len(got) != len(want) {
		t.Fatalf("handled chat targets = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("target[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTaskDispatcher_UnknownTypeErrors(t *testing.T) {
	l := testLayout(t)
	d := NewTaskDispatcher(l, discard(), func(string) bool { return true })
	path := writeTask(t, l, "acme", map[string]any{"type": "no_such_thing", "request_id": "r3"})
	d.Dispatch(context.Background(), "acme", path)

	var resp protocol.TaskResponse
	if err := ReadAndRemove(filepath.Join(l.Dir("acme", DirResponses), "r3.json"), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Error("unknown task type should produce an error response")
	}
}

func TestTaskDispatcher_QuarantinesBadFile(t *testing.T) {
	l := testLayout(t)
	if err := l.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(l.Dir("acme", DirTasks), "bad.json")
	if err := WriteRaw(path, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	d := NewTaskDispatcher(l, discard(), func(string) bool { return true })
	d.Dispatch(context.Background(), "acme", path)

	if _, err := os.Stat(l.ErrorsPath("acme", "bad.json")); err != nil {
		t.Errorf("bad task not quarantined: %v", err)
	}
}

func TestReadTaskFile_KeepsRawPayload(t *testing.T) {
	l := testLayout(t)
	path := writeTask(t, l, "acme", map[string]any{
		"type": "create_periodic_agent", "prompt": "check feeds", "schedule": "0 * * * *",
	})
	task, err := readTaskFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if task.Data["prompt"] != "check feeds" {
		t.Errorf("raw payload = %v", task.Data)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("task file not unlinked")
	}
}

func TestOutputEventPulse(t *testing.T) {
	pulse := []byte(`{"status":"success","type":"result","result":null,"new_session_id":"s-9"}`)
	var ev protocol.OutputEvent
	if err := json.Unmarshal(pulse, &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.IsQueryDonePulse() {
		t.Error("pulse not recognized")
	}
	if ev.NewSessionID != "s-9" {
		t.Errorf("session id = %q", ev.NewSessionID)
	}

	textEv := []byte(`{"status":"success","type":"text","text":"hello"}`)
	if err := json.Unmarshal(textEv, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.IsQueryDonePulse() {
		t.Error("text event misread as pulse")
	}
}

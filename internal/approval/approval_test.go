package approval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/pkg/protocol"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) SendHostMessage(ctx context.Context, chatJID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jids []string
}

func (f *fakeEnqueuer) EnqueueMessageCheck(chatJID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jids = append(f.jids, chatJID)
}

type askChannel struct {
	name     string
	running  bool
	asked    []string
	askedJID string
	msgID    string
}

func (c *askChannel) Name() string { return c.name }

func (c *askChannel) Start(ctx context.Context) error { c.running = true; return nil }

func (c *askChannel) Stop(ctx context.Context) error { c.running = false; return nil }

func (c *askChannel) IsRunning() bool { return c.running }

func (c *askChannel) OwnsJID(jid string) bool { return true }

func (c *askChannel) Send(ctx context.Context, chatJID, text string) (string, error) {
	return "m1", nil
}

func (c *askChannel) SendAskUser(ctx context.Context, chatJID, question string, options []string) (string, error) {
	c.asked = append(c.asked, question)
	c.askedJID = chatJID
	return c.msgID, nil
}

type fixture struct {
	m      *Manager
	layout ipc.Layout
	st     *store.Store
	out    *fakeNotifier
	queue  *fakeEnqueuer
	chans  *channels.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "a.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout := ipc.Layout{Root: filepath.Join(dir, "ipc")}
	if err := layout.EnsureFolder("acme"); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertWorkspace(store.Workspace{JID: "acme@g.us", Name: "Acme", Folder: "acme"}); err != nil {
		t.Fatal(err)
	}

	out := &fakeNotifier{}
	queue := &fakeEnqueuer{}
	chans := channels.NewManager(log)
	m := NewManager(layout, st, chans, out, queue, log)
	return &fixture{m: m, layout: layout, st: st, out: out, queue: queue, chans: chans}
}

func (f *fixture) readResponse(t *testing.T, requestID string) protocol.TaskResponse {
	t.Helper()
	path := filepath.Join(f.layout.Dir("acme", ipc.DirResponses), requestID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("response %s: %v", requestID, err)
	}
	var resp protocol.TaskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestCreate_WritesPendingAndNotifies(t *testing.T) {
	f := newFixture(t)
	p, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-1",
		map[string]any{"to": "bob@example.com", "request_id": "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ShortID) != 2 {
		t.Errorf("short id = %q", p.ShortID)
	}

	path := filepath.Join(f.layout.Dir("acme", ipc.DirPendingApprovals), "req-1.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("pending file missing: %v", err)
	}

	note := f.out.last()
	if !strings.Contains(note, "🔐 Approval required for send_email") {
		t.Errorf("notification = %q", note)
	}
	if !strings.Contains(note, "approve "+p.ShortID) || !strings.Contains(note, "deny "+p.ShortID) {
		t.Errorf("notification missing commands: %q", note)
	}
	if !strings.Contains(note, "to: bob@example.com") {
		t.Errorf("notification missing payload: %q", note)
	}
	if strings.Contains(note, "request_id") {
		t.Errorf("internal field leaked: %q", note)
	}
}

func TestApproveExecutesHandlerOnce(t *testing.T) {
	f := newFixture(t)
	execs := 0
	f.m.Execute = func(ctx context.Context, folder string, p protocol.PendingApproval) (map[string]any, error) {
		execs++
		return map[string]any{"ok": true}, nil
	}
	p, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.m.Resolve(context.Background(), "acme", p.ShortID, true); err != nil {
		t.Fatal(err)
	}
	decPath := filepath.Join(f.layout.Dir("acme", ipc.DirApprovalDecisions), "req-1.json")
	f.m.ApplyDecision(context.Background(), "acme", decPath)

	if execs != 1 {
		t.Fatalf("handler executed %d times", execs)
	}
	resp := f.readResponse(t, "req-1")
	if resp.Error != "" || resp.Result["ok"] != true {
		t.Errorf("response = %+v", resp)
	}

	// Pending and decision are gone; a second approve cannot re-run.
	if err := f.m.Resolve(context.Background(), "acme", p.ShortID, true); !herr.Is(err, herr.NotFound) {
		t.Errorf("second resolve = %v", err)
	}
	if _, err := os.Stat(decPath); !os.IsNotExist(err) {
		t.Error("decision file not consumed")
	}
	if execs != 1 {
		t.Errorf("handler re-executed: %d", execs)
	}
}

func TestDenyWritesErrorResponse(t *testing.T) {
	f := newFixture(t)
	f.m.Execute = func(ctx context.Context, folder string, p protocol.PendingApproval) (map[string]any, error) {
		t.Fatal("handler ran on deny")
		return nil, nil
	}
	p, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.m.Resolve(context.Background(), "acme", p.ShortID, false); err != nil {
		t.Fatal(err)
	}
	decPath := filepath.Join(f.layout.Dir("acme", ipc.DirApprovalDecisions), "req-1.json")
	f.m.ApplyDecision(context.Background(), "acme", decPath)

	resp := f.readResponse(t, "req-1")
	if !strings.Contains(resp.Error, "denied") {
		t.Errorf("deny response = %+v", resp)
	}
}

func TestAwaitSignalledByDecision(t *testing.T) {
	f := newFixture(t)
	f.m.Execute = func(ctx context.Context, folder string, p protocol.PendingApproval) (map[string]any, error) {
		t.Error("blocked request must not route through Execute")
		return nil, nil
	}
	p, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan bool, 1)
	go func() {
		approved, err := f.m.Await(context.Background(), "acme", "req-1")
		if err != nil {
			t.Error(err)
		}
		got <- approved
	}()

	// Let the waiter register before deciding.
	deadline := time.Now().Add(time.Second)
	for {
		f.m.mu.Lock()
		_, registered := f.m.waiters["req-1"]
		f.m.mu.Unlock()
		if registered || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := f.m.Resolve(context.Background(), "acme", p.ShortID, true); err != nil {
		t.Fatal(err)
	}
	decPath := filepath.Join(f.layout.Dir("acme", ipc.DirApprovalDecisions), "req-1.json")
	f.m.ApplyDecision(context.Background(), "acme", decPath)

	select {
	case approved := <-got:
		if !approved {
			t.Error("approved = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await never unblocked")
	}
}

func TestAwaitTimeout(t *testing.T) {
	f := newFixture(t)
	f.m.Timeout = 20 * time.Millisecond
	if _, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-1", nil); err != nil {
		t.Fatal(err)
	}

	_, err := f.m.Await(context.Background(), "acme", "req-1")
	if !herr.Is(err, herr.ApprovalTimeout) {
		t.Fatalf("err = %v", err)
	}
	resp := f.readResponse(t, "req-1")
	if !strings.Contains(resp.Error, "timed out") {
		t.Errorf("timeout response = %+v", resp)
	}
	pendingPath := filepath.Join(f.layout.Dir("acme", ipc.DirPendingApprovals), "req-1.json")
	if _, err := os.Stat(pendingPath); !os.IsNotExist(err) {
		t.Error("pending file survived timeout")
	}
}

func TestSweepExpiresOldAndCleansOrphans(t *testing.T) {
	f := newFixture(t)
	stale := protocol.PendingApproval{
		RequestID: "old-1", ShortID: "aa", SourceGroup: "acme", ChatJID: "acme@g.us",
		ToolName:  "send_email",
		Timestamp: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
	}
	pendPath := filepath.Join(f.layout.Dir("acme", ipc.DirPendingApprovals), "old-1.json")
	if err := ipc.WriteJSON(pendPath, stale); err != nil {
		t.Fatal(err)
	}
	orphanDec := filepath.Join(f.layout.Dir("acme", ipc.DirApprovalDecisions), "ghost.json")
	if err := ipc.WriteJSON(orphanDec, protocol.ApprovalDecision{Approved: true}); err != nil {
		t.Fatal(err)
	}
	fresh, err := f.m.Create(context.Background(), "acme", "acme@g.us", "send_email", "req-2", nil)
	if err != nil {
		t.Fatal(err)
	}

	f.m.Sweep(context.Background())

	if _, err := os.Stat(pendPath); !os.IsNotExist(err) {
		t.Error("stale pending survived sweep")
	}
	resp := f.readResponse(t, "old-1")
	if !strings.Contains(resp.Error, "timed out") {
		t.Errorf("expiry response = %+v", resp)
	}
	if _, err := os.Stat(orphanDec); !os.IsNotExist(err) {
		t.Error("orphan decision survived sweep")
	}
	freshPath := filepath.Join(f.layout.Dir("acme", ipc.DirPendingApprovals), fresh.RequestID+".json")
	if _, err := os.Stat(freshPath); err != nil {
		t.Error("fresh pending swept away")
	}
}

func askTask(requestID string, questions ...string) ipc.TaskContext {
	qs := make([]any, 0, len(questions))
	for _, q := range questions {
		qs = append(qs, map[string]any{"question": q, "options": []any{"yes", "no"}})
	}
	return ipc.TaskContext{
		Folder: "acme",
		Task: protocol.Task{
			Type:      "ask_user:ask",
			RequestID: requestID,
			Data:      map[string]any{"questions": qs},
		},
	}
}

func TestAskUser_NoCapableChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.HandleAskTask(context.Background(), askTask("req-q", "Deploy now?"))
	if err == nil || !strings.Contains(err.Error(), "does not support ask_user") {
		t.Fatalf("err = %v", err)
	}
	path := f.m.questionPath("acme", "req-q")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("orphan pending question left behind")
	}
}

func TestAskUser_PendingAndDeferred(t *testing.T) {
	f := newFixture(t)
	ch := &askChannel{name: "telegram", running: true, msgID: "tg-7"}
	f.chans.Register(ch)

	_, err := f.m.HandleAskTask(context.Background(), askTask("req-q", "Deploy now?"))
	if !errors.Is(err, ipc.ErrDeferredResponse) {
		t.Fatalf("err = %v, want deferred", err)
	}
	if len(ch.asked) != 1 || ch.asked[0] != "Deploy now?" {
		t.Errorf("asked = %v", ch.asked)
	}

	data, err := os.ReadFile(f.m.questionPath("acme", "req-q"))
	if err != nil {
		t.Fatal(err)
	}
	var q protocol.PendingQuestion
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatal(err)
	}
	if q.MessageID != "tg-7" || q.ChannelName != "telegram" || q.ChatJID != "acme@g.us" {
		t.Errorf("pending = %+v", q)
	}
}

func TestAskUser_ForeignChatPinnedToOwnWorkspace(t *testing.T) {
	f := newFixture(t)
	ch := &askChannel{name: "telegram", running: true}
	f.chans.Register(ch)

	tc := askTask("req-q", "Wire the funds?")
	tc.Task.ChatJID = "victim@g.us"
	if _, err := f.m.HandleAskTask(context.Background(), tc); !errors.Is(err, ipc.ErrDeferredResponse) {
		t.Fatalf("err = %v, want deferred", err)
	}
	if ch.askedJID != "acme@g.us" {
		t.Errorf("question delivered to %q, want own workspace chat", ch.askedJID)
	}

	admin := askTask("req-r", "Ship it?")
	admin.IsAdmin = true
	admin.Task.ChatJID = "other@g.us"
	if _, err := f.m.HandleAskTask(context.Background(), admin); !errors.Is(err, ipc.ErrDeferredResponse) {
		t.Fatalf("err = %v, want deferred", err)
	}
	if ch.askedJID != "other@g.us" {
		t.Errorf("admin question delivered to %q, want requested chat", ch.askedJID)
	}
}

func TestAnswer_LiveSessionGetsResponseFile(t *testing.T) {
	f := newFixture(t)
	ch := &askChannel{name: "telegram", running: true}
	f.chans.Register(ch)
	f.m.SessionAlive = func(folder string) bool { return true }

	if _, err := f.m.HandleAskTask(context.Background(), askTask("req-q", "Deploy now?")); !errors.Is(err, ipc.ErrDeferredResponse) {
		t.Fatal(err)
	}
	if err := f.m.HandleAnswer(context.Background(), "req-q", []string{"yes"}); err != nil {
		t.Fatal(err)
	}

	resp := f.readResponse(t, "req-q")
	answers, _ := resp.Result["answers"].([]any)
	if len(answers) != 1 || answers[0] != "yes" {
		t.Errorf("response = %+v", resp)
	}
	if _, err := os.Stat(f.m.questionPath("acme", "req-q")); !os.IsNotExist(err) {
		t.Error("pending question not consumed")
	}
}

func TestAnswer_DeadSessionColdStarts(t *testing.T) {
	f := newFixture(t)
	ch := &askChannel{name: "telegram", running: true}
	f.chans.Register(ch)
	f.m.SessionAlive = func(folder string) bool { return false }

	if _, err := f.m.HandleAskTask(context.Background(), askTask("req-q", "Deploy now?")); !errors.Is(err, ipc.ErrDeferredResponse) {
		t.Fatal(err)
	}
	if err := f.m.HandleAnswer(context.Background(), "req-q", []string{"yes"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.st.RecentMessages("acme@g.us", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stored messages = %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "Deploy now?") || !strings.Contains(msgs[0].Content, `"yes"`) {
		t.Errorf("synthetic message = %q", msgs[0].Content)
	}
	if msgs[0].IsFromMe {
		t.Error("synthetic message marked is_from_me")
	}
	if len(f.queue.jids) != 1 || f.queue.jids[0] != "acme@g.us" {
		t.Errorf("enqueued = %v", f.queue.jids)
	}
}

func TestAnswer_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	err := f.m.HandleAnswer(context.Background(), "nope", []string{"yes"})
	if !herr.Is(err, herr.NotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizePayload(t *testing.T) {
	long := strings.Repeat("x", 300)
	tests := []struct {
		name string
		data map[string]any
		want func(string) bool
	}{
		{"empty", nil, func(s string) bool { return s == "(no details)" }},
		{"internal only", map[string]any{"request_id": "r", "type": "t", "source_group": "g"},
			func(s string) bool { return s == "(no details)" }},
		{"truncates", map[string]any{"body": long},
			func(s string) bool { return len(s) < 260 && strings.HasPrefix(s, "body: xxx") }},
		{"sorted", map[string]any{"b": "2", "a": "1"},
			func(s string) bool { return s == "a: 1\nb: 2" }},
	}
	for _, tt := range tests {
		if got := summarizePayload(tt.data); !tt.want(got) {
			t.Errorf("%s: summarizePayload = %q", tt.name, got)
		}
	}
}

func TestShortIDAvoidsPending(t *testing.T) {
	f := newFixture(t)
	if _, err := f.m.Create(context.Background(), "acme", "acme@g.us", "t1", "req-1", nil); err != nil {
		t.Fatal(err)
	}
	p1, _ := f.m.pendingApprovals("acme")
	p2, err := f.m.Create(context.Background(), "acme", "acme@g.us", "t2", "req-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if p2.ShortID == p1[0].ShortID {
		t.Errorf("short id collided: %q", p2.ShortID)
	}
}

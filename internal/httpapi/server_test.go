package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/store"
)

type fakeSender struct {
	jids  []string
	texts []string
}

func (f *fakeSender) SendHostMessage(ctx context.Context, chatJID, text string) {
	f.jids = append(f.jids, chatJID)
	f.texts = append(f.texts, text)
}

func testServer(t *testing.T) (*Server, *store.Store, *bus.Events, *fakeSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	events := bus.NewEvents()
	sender := &fakeSender{}
	s := NewServer(config.Default(), st, events, sender, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, st, events, sender
}

func TestHealth(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStatusReportsActiveSessions(t *testing.T) {
	s, st, _, _ := testServer(t)
	s.ActiveFolders = func() []string { return []string{"acme"} }
	if err := st.UpsertWorkspace(store.Workspace{JID: "acme@g.us", Name: "Acme", Folder: "acme"}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["workspaces"].(float64) != 1 {
		t.Errorf("workspaces = %v", body["workspaces"])
	}
	active := body["active_sessions"].([]any)
	if len(active) != 1 || active[0] != "acme" {
		t.Errorf("active_sessions = %v", active)
	}
}

func TestGroupsListsWorkspaces(t *testing.T) {
	s, st, _, _ := testServer(t)
	if err := st.UpsertWorkspace(store.Workspace{JID: "acme@g.us", Name: "Acme", Folder: "acme", IsAdmin: true}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/groups")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var groups []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0]["jid"] != "acme@g.us" || groups[0]["is_admin"] != true {
		t.Errorf("groups = %v", groups)
	}
}

func TestMessagesRequireJID(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMessagesReturnsHistory(t *testing.T) {
	s, st, _, _ := testServer(t)
	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second"} {
		err := st.StoreMessage(store.Message{
			ID: string(rune('a' + i)), ChatJID: "acme@g.us", Sender: "alice",
			Content: content, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/messages?jid=acme@g.us&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var msgs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0]["content"] != "first" || msgs[1]["content"] != "second" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestSendBroadcastsHostMessage(t *testing.T) {
	s, _, _, sender := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/send", "application/json",
		strings.NewReader(`{"jid":"acme@g.us","content":"hello from the operator"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(sender.jids) != 1 || sender.jids[0] != "acme@g.us" || sender.texts[0] != "hello from the operator" {
		t.Errorf("sends = %v / %v", sender.jids, sender.texts)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	s, _, _, sender := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/send", "application/json", strings.NewReader(`{"jid":""}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(sender.jids) != 0 {
		t.Errorf("send happened anyway: %v", sender.jids)
	}
}

func TestChatRoutesInbound(t *testing.T) {
	s, _, _, _ := testServer(t)
	var jids, texts []string
	s.Inbound = func(chatJID, text string) {
		jids = append(jids, chatJID)
		texts = append(texts, text)
	}
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"jid":"operator@tui","content":"status report"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(jids) != 1 || jids[0] != "operator@tui" || texts[0] != "status report" {
		t.Errorf("inbound = %v / %v", jids, texts)
	}
}

func TestChatDisabledWithoutHook(t *testing.T) {
	s, _, _, _ := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"jid":"operator@tui","content":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSSEMirrorsBusEvents(t *testing.T) {
	s, _, events, _ := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	// The subscription is registered before the handler blocks on the
	// channel; give it a beat, then publish.
	time.Sleep(100 * time.Millisecond)
	events.Broadcast(bus.Event{Name: "agent_activity", Payload: map[string]any{"folder": "acme", "state": "working"}})

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: agent_activity") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"folder":"acme"`) {
			sawData = true
		}
		if sawEvent && sawData {
			break
		}
	}
	if !sawEvent || !sawData {
		t.Errorf("sse stream missing event frame (event=%v data=%v)", sawEvent, sawData)
	}
}

func TestWebSocketMirrorsBusEvents(t *testing.T) {
	s, _, events, _ := testServer(t)
	srv := httptest.NewServer(s.Mux())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	events.Broadcast(bus.Event{Name: "message", Payload: map[string]any{"chat_jid": "acme@g.us"}})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != "message" {
		t.Errorf("event = %+v", ev)
	}
}

package telegram

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/pynchy/pynchy/internal/channels"
)

func testChannel(sink channels.InboundSink) *Channel {
	return &Channel{
		name: "telegram",
		sink: sink,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestJIDRoundTrip(t *testing.T) {
	tests := []struct {
		chatID int64
		jid    string
	}{
		{12345, "12345@telegram"},
		{-100987654321, "-100987654321@telegram"},
	}
	for _, tt := range tests {
		if got := jidFor(tt.chatID); got != tt.jid {
			t.Errorf("jidFor(%d) = %q, want %q", tt.chatID, got, tt.jid)
		}
		id, err := chatIDFromJID(tt.jid)
		if err != nil {
			t.Fatalf("chatIDFromJID(%q): %v", tt.jid, err)
		}
		if id != tt.chatID {
			t.Errorf("chatIDFromJID(%q) = %d, want %d", tt.jid, id, tt.chatID)
		}
	}
}

func TestOwnsJID(t *testing.T) {
	c := testChannel(nil)
	tests := []struct {
		jid  string
		want bool
	}{
		{"12345@telegram", true},
		{"-1009876@telegram", true},
		{"12345@discord", false},
		{"abc@telegram", false},
		{"@telegram", false},
		{"12345", false},
	}
	for _, tt := range tests {
		if got := c.OwnsJID(tt.jid); got != tt.want {
			t.Errorf("OwnsJID(%q) = %v, want %v", tt.jid, got, tt.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		got := splitMessage("hello", 100)
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("chunks = %v", got)
		}
	})

	t.Run("long text splits at limit", func(t *testing.T) {
		got := splitMessage(strings.Repeat("a", 250), 100)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		if len(got[0]) != 100 || len(got[2]) != 50 {
			t.Errorf("chunk lens = %d/%d/%d", len(got[0]), len(got[1]), len(got[2]))
		}
	})

	t.Run("prefers newline break in back half", func(t *testing.T) {
		text := strings.Repeat("a", 80) + "\n" + strings.Repeat("b", 80)
		got := splitMessage(text, 100)
		if len(got) != 2 {
			t.Fatalf("chunks = %v", got)
		}
		if !strings.HasSuffix(got[0], "\n") {
			t.Errorf("first chunk does not end at newline: %q", got[0][70:])
		}
		if got[1] != strings.Repeat("b", 80) {
			t.Errorf("second chunk = %q", got[1])
		}
	})

	t.Run("ignores newline in front half", func(t *testing.T) {
		text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 200)
		got := splitMessage(text, 100)
		if len(got[0]) != 100 {
			t.Errorf("first chunk len = %d, want hard cut at 100", len(got[0]))
		}
	})
}

func TestParseAskCallback(t *testing.T) {
	tests := []struct {
		data      string
		wantToken string
		wantIdx   int
		wantOK    bool
	}{
		{"ask:ab12cd34:0", "ab12cd34", 0, true},
		{"ask:ab12cd34:2", "ab12cd34", 2, true},
		{"ask::1", "", 0, false},
		{"ask:ab12cd34", "", 0, false},
		{"ask:ab12cd34:x", "", 0, false},
		{"other:data", "", 0, false},
	}
	for _, tt := range tests {
		token, idx, ok := parseAskCallback(tt.data)
		if ok != tt.wantOK || token != tt.wantToken || idx != tt.wantIdx {
			t.Errorf("parseAskCallback(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tt.data, token, idx, ok, tt.wantToken, tt.wantIdx, tt.wantOK)
		}
	}
}

func TestResolveAskAnswer(t *testing.T) {
	c := testChannel(nil)
	c.askOptions.Store("tok1", askEntry{
		chatJID:   "12345@telegram",
		messageID: "77",
		options:   []string{"yes", "no"},
	})

	entry, answer, ok := c.resolveAskAnswer("tok1", 1)
	if !ok || answer != "no" || entry.messageID != "77" {
		t.Fatalf("resolve = (%+v, %q, %v)", entry, answer, ok)
	}

	// Consumed on first use.
	if _, _, ok := c.resolveAskAnswer("tok1", 1); ok {
		t.Error("second resolve succeeded")
	}

	c.askOptions.Store("tok2", askEntry{options: []string{"only"}})
	if _, _, ok := c.resolveAskAnswer("tok2", 5); ok {
		t.Error("out-of-range index resolved")
	}
}

func TestHandleMessageNormalizes(t *testing.T) {
	var got []channels.InboundMessage
	c := testChannel(func(m channels.InboundMessage) { got = append(got, m) })

	c.handleMessage(&telego.Message{
		MessageID: 42,
		Date:      1756000000,
		Chat:      telego.Chat{ID: -1009876, Type: "supergroup"},
		From:      &telego.User{ID: 111, Username: "alice", FirstName: "Alice"},
		Text:      "hello bot",
	})

	if len(got) != 1 {
		t.Fatalf("sink calls = %d", len(got))
	}
	m := got[0]
	if m.ID != "42" || m.ChatJID != "-1009876@telegram" || m.Sender != "111" {
		t.Errorf("message = %+v", m)
	}
	if m.SenderName != "@alice" || m.Content != "hello bot" || m.ChannelName != "telegram" {
		t.Errorf("message = %+v", m)
	}
	if m.Metadata["chat_type"] != "supergroup" {
		t.Errorf("metadata = %v", m.Metadata)
	}
}

func TestHandleMessageJoinsCaption(t *testing.T) {
	var got []channels.InboundMessage
	c := testChannel(func(m channels.InboundMessage) { got = append(got, m) })

	c.handleMessage(&telego.Message{
		MessageID: 43,
		Chat:      telego.Chat{ID: 555, Type: "private"},
		From:      &telego.User{ID: 111, FirstName: "Alice"},
		Text:      "look",
		Caption:   "a chart",
	})

	if len(got) != 1 || got[0].Content != "look\na chart" {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].SenderName != "Alice" {
		t.Errorf("sender name = %q, want first name fallback", got[0].SenderName)
	}
}

func TestHandleMessageSkipsServiceMessages(t *testing.T) {
	var got []channels.InboundMessage
	c := testChannel(func(m channels.InboundMessage) { got = append(got, m) })

	// Member-joined style update: no text, caption, or media.
	c.handleMessage(&telego.Message{
		MessageID: 44,
		Chat:      telego.Chat{ID: 555, Type: "supergroup"},
		From:      &telego.User{ID: 111},
	})
	// No sender either.
	c.handleMessage(&telego.Message{
		MessageID: 45,
		Chat:      telego.Chat{ID: 555, Type: "supergroup"},
		Text:      "anonymous channel post",
	})

	if len(got) != 0 {
		t.Errorf("sink received %+v", got)
	}
}

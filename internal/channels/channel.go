// Package channels is the chat-platform abstraction: a small core
// interface every adapter implements, plus optional capability
// interfaces (message update, reactions, typing, inbound backfill) that
// callers probe with type assertions.
package channels

import (
	"context"
	"time"
)

// InboundMessage is a platform message normalized for the host.
type InboundMessage struct {
	ID          string
	ChatJID     string
	Sender      string
	SenderName  string
	Content     string
	Timestamp   time.Time
	IsFromMe    bool
	ChannelName string
	Metadata    map[string]string
}

// InboundSink receives normalized inbound messages from adapters.
type InboundSink func(InboundMessage)

// Channel is the core adapter contract. Send returns the platform
// message id when the platform exposes one ("" otherwise).
type Channel interface {
	Name() string

	// Start begins receiving; non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool

	// OwnsJID reports whether this adapter can deliver to the JID
	// directly, without an alias mapping.
	OwnsJID(jid string) bool

	Send(ctx context.Context, chatJID, text string) (messageID string, err error)
}

// MessageUpdater edits a previously-sent message in place. Used to
// finalize streamed previews.
type MessageUpdater interface {
	Channel
	UpdateMessage(ctx context.Context, chatJID, messageID, text string) error
}

// Reactor puts a status emoji on a user message.
type Reactor interface {
	Channel
	SendReaction(ctx context.Context, chatJID, messageID, emoji string) error
}

// TypingSetter toggles the platform typing indicator.
type TypingSetter interface {
	Channel
	SetTyping(ctx context.Context, chatJID string, typing bool) error
}

// GroupCreator creates a new group chat and returns its JID.
type GroupCreator interface {
	Channel
	CreateGroup(ctx context.Context, name string, participants []string) (jid string, err error)
}

// AskUserSender renders an ask-user question natively (buttons, polls).
// Channels without it get the question as plain text.
type AskUserSender interface {
	Channel
	SendAskUser(ctx context.Context, chatJID, question string, options []string) (messageID string, err error)
}

// InboundFetcher backfills messages missed while the host was down.
// Cursor values are channel-defined and opaque to callers.
type InboundFetcher interface {
	Channel
	FetchInboundSince(ctx context.Context, chatJID, cursor string) (msgs []InboundMessage, newCursor string, err error)
}

// MetadataSyncer refreshes group names and membership.
type MetadataSyncer interface {
	Channel
	SyncGroupMetadata(ctx context.Context, chatJID string) (name string, err error)
}

// Formatter converts canonical Markdown into the platform's markup.
type Formatter interface {
	Channel
	FormatOutbound(text string) string
}

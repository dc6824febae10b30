// Package bus is the single outbound call site: every host- or
// agent-originated message fans out to the connected channels through
// Broadcast, which writes one delivery ledger row per send and one
// delivery row per target channel.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// BroadcastOpts tunes one Broadcast call.
type BroadcastOpts struct {
	// SuppressErrors drops per-channel send failures after logging.
	// Broadcast never returns an error when set.
	SuppressErrors bool
	// SkipChannel excludes one channel (the one a command came in on).
	SkipChannel string
	// Source tags the ledger row: "agent", "host", "system".
	Source string
}

// Outbound broadcasts messages to every connected channel that can
// reach the target chat.
type Outbound struct {
	store   *store.Store
	mgr     *channels.Manager
	log     *slog.Logger
	canSend func(channelName, chatJID string) bool
}

// NewOutbound builds the bus. canSend gates per-channel outbound access
// (nil allows everything).
func NewOutbound(st *store.Store, mgr *channels.Manager, log *slog.Logger, canSend func(channelName, chatJID string) bool) *Outbound {
	if canSend == nil {
		canSend = func(string, string) bool { return true }
	}
	return &Outbound{store: st, mgr: mgr, log: log, canSend: canSend}
}

type target struct {
	ch  channels.Channel
	jid string
}

// resolveTargets maps a canonical chat JID to (channel, channel-local JID)
// pairs: the stored alias when one exists, the canonical JID when the
// channel owns it, nothing otherwise.
func (o *Outbound) resolveTargets(chatJID, skip string) []target {
	canonical, err := o.store.CanonicalJID(chatJID)
	if err != nil {
		o.log.Error("alias resolve failed", "jid", chatJID, "error", err)
		canonical = chatJID
	}
	aliases, err := o.store.AliasesFor(canonical)
	if err != nil {
		o.log.Error("alias lookup failed", "jid", canonical, "error", err)
	}

	var out []target
	for _, ch := range o.mgr.Running() {
		name := ch.Name()
		if name == skip || !o.canSend(name, canonical) {
			continue
		}
		if alias := aliases[name]; alias != "" {
			out = append(out, target{ch: ch, jid: alias})
			continue
		}
		if ch.OwnsJID(canonical) {
			out = append(out, target{ch: ch, jid: canonical})
		}
	}
	return out
}

// Broadcast sends text to every channel reaching chatJID and returns the
// platform message ids keyed by channel name. One ledger row is written
// per call that resolves at least one target; a ledger failure degrades
// to fire-and-forget rather than blocking the send.
func (o *Outbound) Broadcast(ctx context.Context, chatJID, text string, opts BroadcastOpts) (map[string]string, error) {
	return o.broadcast(ctx, chatJID, text, opts, nil)
}

// BroadcastFormatted is Broadcast with per-channel markup conversion for
// adapters that declare a formatter.
func (o *Outbound) BroadcastFormatted(ctx context.Context, chatJID, text string, opts BroadcastOpts) (map[string]string, error) {
	format := func(ch channels.Channel, s string) string {
		if f, ok := ch.(channels.Formatter); ok {
			return f.FormatOutbound(s)
		}
		return s
	}
	return o.broadcast(ctx, chatJID, text, opts, format)
}

func (o *Outbound) broadcast(ctx context.Context, chatJID, text string, opts BroadcastOpts, format func(channels.Channel, string) string) (map[string]string, error) {
	targets := o.resolveTargets(chatJID, opts.SkipChannel)
	if len(targets) == 0 {
		o.log.Warn("broadcast with no reachable channel", "jid", chatJID)
		return nil, nil
	}

	ledgerID := ""
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.ch.Name()
	}
	id, err := uuid.NewV7()
	if err == nil {
		ledgerID = id.String()
		entry := store.LedgerEntry{ID: ledgerID, ChatJID: chatJID, Content: text, Timestamp: time.Now(), Source: opts.Source}
		if lerr := o.store.AppendLedger(entry, names); lerr != nil {
			o.log.Error("ledger write failed, sending fire-and-forget", "jid", chatJID, "error", lerr)
			ledgerID = ""
		}
	}

	msgIDs := make(map[string]string, len(targets))
	var firstErr error
	for _, t := range targets {
		body := text
		if format != nil {
			body = format(t.ch, text)
		}
		msgID, serr := t.ch.Send(ctx, t.jid, body)
		name := t.ch.Name()
		if serr != nil {
			o.log.Error("channel send failed", "channel", name, "jid", t.jid, "error", serr)
			if ledgerID != "" {
				if merr := o.store.MarkDeliveryError(ledgerID, name, serr.Error()); merr != nil {
					o.log.Error("delivery error mark failed", "channel", name, "error", merr)
				}
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("send via %s: %w", name, serr)
			}
			continue
		}
		msgIDs[name] = msgID
		if ledgerID != "" {
			if merr := o.store.MarkDelivered(ledgerID, name); merr != nil {
				o.log.Error("delivery mark failed", "channel", name, "error", merr)
			}
		}
	}
	if opts.SuppressErrors {
		return msgIDs, nil
	}
	return msgIDs, firstErr
}

// FinalizeStreamOrBroadcast replaces streamed previews with the final
// text: channels that were mid-stream get an in-place update (falling
// back to a fresh send when the edit fails), everything else gets the
// normal broadcast path.
func (o *Outbound) FinalizeStreamOrBroadcast(ctx context.Context, chatJID, text string, streamIDs map[string]string, opts BroadcastOpts) {
	updated := make(map[string]bool, len(streamIDs))
	for _, t := range o.resolveTargets(chatJID, opts.SkipChannel) {
		name := t.ch.Name()
		msgID := streamIDs[name]
		if msgID == "" {
			continue
		}
		upd, ok := t.ch.(channels.MessageUpdater)
		if !ok {
			continue
		}
		if err := upd.UpdateMessage(ctx, t.jid, msgID, text); err != nil {
			o.log.Warn("stream finalize update failed, resending", "channel", name, "error", err)
			continue
		}
		updated[name] = true
	}

	// Channels with a live preview are excluded from the fresh send.
	for _, t := range o.resolveTargets(chatJID, opts.SkipChannel) {
		name := t.ch.Name()
		if updated[name] {
			continue
		}
		if _, err := t.ch.Send(ctx, t.jid, text); err != nil {
			o.log.Error("stream finalize send failed", "channel", name, "error", err)
		}
	}
}

// SendHostMessage stores text as a host message (invisible to the agent)
// and broadcasts it.
func (o *Outbound) SendHostMessage(ctx context.Context, chatJID, text string) {
	o.storeOutbound(chatJID, text, protocol.MessageHost)
	if _, err := o.Broadcast(ctx, chatJID, text, BroadcastOpts{SuppressErrors: true, Source: "host"}); err != nil {
		o.log.Error("host message broadcast failed", "jid", chatJID, "error", err)
	}
}

// SendSystemNotice stores text as a system notice (included in the next
// agent turn) and broadcasts it to humans with a 📢 prefix.
func (o *Outbound) SendSystemNotice(ctx context.Context, chatJID, text string) {
	o.storeOutbound(chatJID, text, protocol.MessageSystemNotice)
	if _, err := o.Broadcast(ctx, chatJID, "📢 "+text, BroadcastOpts{SuppressErrors: true, Source: "system"}); err != nil {
		o.log.Error("system notice broadcast failed", "jid", chatJID, "error", err)
	}
}

func (o *Outbound) storeOutbound(chatJID, text, msgType string) {
	id, err := uuid.NewV7()
	if err != nil {
		o.log.Error("uuid generation failed", "error", err)
		return
	}
	m := store.Message{
		ID:          id.String(),
		ChatJID:     chatJID,
		Sender:      "host",
		SenderName:  "host",
		Content:     text,
		Timestamp:   time.Now(),
		IsFromMe:    true,
		MessageType: msgType,
	}
	if err := o.store.StoreMessage(m); err != nil {
		o.log.Error("outbound message store failed", "jid", chatJID, "error", err)
	}
}

package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/pynchy/pynchy/internal/store"
)

// Reconciler backfills inbound history and retries failed outbound
// deliveries. It runs once at boot and periodically from the message
// loop.
type Reconciler struct {
	store *store.Store
	mgr   *Manager
	log   *slog.Logger

	// RetryGrace keeps the sweep off deliveries younger than this, so
	// in-flight sends are not double-delivered.
	RetryGrace time.Duration
}

// NewReconciler builds a reconciler with a 30s retry grace window.
func NewReconciler(st *store.Store, mgr *Manager, log *slog.Logger) *Reconciler {
	return &Reconciler{store: st, mgr: mgr, log: log, RetryGrace: 30 * time.Second}
}

// ReconcileInbound fetches messages each channel saw while the host was
// down and merge-inserts them (duplicates are dropped by primary key).
func (r *Reconciler) ReconcileInbound(ctx context.Context, chatJIDs []string) {
	for _, ch := range r.mgr.Running() {
		fetcher, ok := ch.(InboundFetcher)
		if !ok {
			continue
		}
		name := ch.Name()
		for _, jid := range chatJIDs {
			nativeJID := jid
			if aliases, err := r.store.AliasesFor(jid); err == nil && aliases[name] != "" {
				nativeJID = aliases[name]
			}
			cursor, err := r.store.ChannelCursor(name, jid, "inbound")
			if err != nil {
				r.log.Error("cursor read failed", "channel", name, "jid", jid, "error", err)
				continue
			}
			msgs, newCursor, err := fetcher.FetchInboundSince(ctx, nativeJID, cursor)
			if err != nil {
				r.log.Warn("inbound backfill failed", "channel", name, "jid", jid, "error", err)
				continue
			}
			stored := 0
			for _, m := range msgs {
				sm := store.Message{
					ID:         m.ID,
					ChatJID:    jid,
					Sender:     m.Sender,
					SenderName: m.SenderName,
					Content:    m.Content,
					Timestamp:  m.Timestamp,
					IsFromMe:   m.IsFromMe,
					Metadata:   m.Metadata,
				}
				if err := r.store.StoreMessage(sm); err != nil {
					r.log.Error("backfill store failed", "channel", name, "id", m.ID, "error", err)
					continue
				}
				stored++
			}
			if newCursor != "" && newCursor != cursor {
				if err := r.store.SetChannelCursor(name, jid, "inbound", newCursor); err != nil {
					r.log.Error("cursor advance failed", "channel", name, "jid", jid, "error", err)
				}
			}
			if stored > 0 {
				r.log.Info("inbound backfill", "channel", name, "jid", jid, "messages", stored)
			}
		}
	}
}

// RetryOutbound re-attempts undelivered ledger rows using the stored
// raw text.
func (r *Reconciler) RetryOutbound(ctx context.Context, limit int) {
	pending, err := r.store.PendingDeliveries(time.Now().Add(-r.RetryGrace), limit)
	if err != nil {
		r.log.Error("pending delivery query failed", "error", err)
		return
	}
	for _, p := range pending {
		ch := r.mgr.Get(p.ChannelName)
		if ch == nil || !ch.IsRunning() {
			continue
		}
		jid := p.Entry.ChatJID
		if aliases, err := r.store.AliasesFor(jid); err == nil && aliases[p.ChannelName] != "" {
			jid = aliases[p.ChannelName]
		}
		if _, err := ch.Send(ctx, jid, p.Entry.Content); err != nil {
			if merr := r.store.MarkDeliveryError(p.Entry.ID, p.ChannelName, err.Error()); merr != nil {
				r.log.Error("delivery error mark failed", "ledger", p.Entry.ID, "error", merr)
			}
			continue
		}
		if err := r.store.MarkDelivered(p.Entry.ID, p.ChannelName); err != nil {
			r.log.Error("delivery mark failed", "ledger", p.Entry.ID, "error", err)
		}
	}
}

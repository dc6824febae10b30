// Package httpapi is the local status and control server: process
// health, workspace listing, message history, manual sends, and a
// mirror of the internal event bus over SSE and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/store"
)

// Sender broadcasts an operator message into a chat.
type Sender interface {
	SendHostMessage(ctx context.Context, chatJID, text string)
}

// Server is the status HTTP server. Local-only binding; no auth.
type Server struct {
	cfg    *config.Config
	st     *store.Store
	events *bus.Events
	out    Sender
	log    *slog.Logger

	// ActiveFolders reports workspaces with a live agent container.
	ActiveFolders func() []string

	// Inbound routes an operator chat message into the normal message
	// flow (the TUI channel). Nil disables POST /api/chat.
	Inbound func(chatJID, text string)

	started  time.Time
	upgrader websocket.Upgrader

	httpServer *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, events *bus.Events, out Sender, log *slog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		st:            st,
		events:        events,
		out:           out,
		log:           log,
		ActiveFolders: func() []string { return nil },
		started:       time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local-only listener; browser origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Mux builds the route table. Exposed so tests can drive the handlers
// through httptest.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start serves on 127.0.0.1:<server.port> until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Mux()}
	s.log.Info("status server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.st.Workspaces()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"workspaces":      len(workspaces),
		"active_sessions": s.ActiveFolders(),
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.st.Workspaces()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	type group struct {
		JID     string `json:"jid"`
		Name    string `json:"name"`
		Folder  string `json:"folder"`
		IsAdmin bool   `json:"is_admin"`
	}
	out := make([]group, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, group{JID: ws.JID, Name: ws.Name, Folder: ws.Folder, IsAdmin: ws.IsAdmin})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	jid := r.URL.Query().Get("jid")
	if jid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "jid parameter required"})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	msgs, err := s.st.RecentMessages(jid, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	type message struct {
		ID        string    `json:"id"`
		Sender    string    `json:"sender"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
		IsFromMe  bool      `json:"is_from_me"`
		Type      string    `json:"type"`
	}
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, message{
			ID: m.ID, Sender: m.Sender, Content: m.Content,
			Timestamp: m.Timestamp, IsFromMe: m.IsFromMe, Type: m.MessageType,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JID     string `json:"jid"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "jid and content required"})
		return
	}
	s.out.SendHostMessage(r.Context(), req.JID, req.Content)
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// handleChat feeds an operator message into the inbound flow, as if it
// arrived on a chat platform.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.Inbound == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "chat not enabled"})
		return
	}
	var req struct {
		JID     string `json:"jid"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "jid and content required"})
		return
	}
	s.Inbound(req.JID, req.Content)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// handleSSE mirrors the event bus as server-sent events. Slow clients
// drop events rather than backing up the bus.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := "sse-" + uuid.NewString()
	ch := make(chan bus.Event, 64)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(id)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-ch:
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
			flusher.Flush()
		}
	}
}

// handleWS mirrors the event bus over a websocket for the TUI client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := "ws-" + uuid.NewString()
	ch := make(chan bus.Event, 64)
	s.events.Subscribe(id, func(ev bus.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer s.events.Unsubscribe(id)

	// Reads are discarded; the socket exists to push events out. The
	// read loop still runs to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package bus

import "sync"

// Event is one internal broadcast, mirrored to SSE and WebSocket clients
// by the status server.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcast events. Handlers must not block; slow
// consumers should buffer on their side.
type EventHandler func(Event)

// Events is a fan-out broadcaster keyed by subscriber id.
type Events struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewEvents builds an empty broadcaster.
func NewEvents() *Events {
	return &Events{subs: make(map[string]EventHandler)}
}

// Subscribe registers a handler under id, replacing any previous one.
func (e *Events) Subscribe(id string, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[id] = h
}

// Unsubscribe removes a handler.
func (e *Events) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

// Broadcast delivers ev to every subscriber.
func (e *Events) Broadcast(ev Event) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

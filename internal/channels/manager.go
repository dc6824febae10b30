package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns the registered adapters and their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	log      *slog.Logger
}

// NewManager builds an empty manager; adapters register before StartAll.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{channels: make(map[string]Channel), log: log}
}

// Register adds an adapter under its Name().
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name, or nil.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// Running returns the currently running adapters.
func (m *Manager) Running() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.IsRunning() {
			out = append(out, ch)
		}
	}
	return out
}

// All returns every registered adapter, running or not.
func (m *Manager) All() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// StartAll starts every adapter. A failing adapter is logged and skipped
// so one bad token does not take the host down.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		m.log.Warn("no channels configured")
		return
	}
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			m.log.Error("channel start failed", "channel", name, "error", err)
			continue
		}
		m.log.Info("channel started", "channel", name)
	}
}

// StopAll stops every running adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if !ch.IsRunning() {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			m.log.Error("channel stop failed", "channel", name, "error", err)
		}
	}
}

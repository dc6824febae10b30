// Package session owns the in-container agent lifetime per workspace:
// cold and warm starts, the query-done pulse, idle destruction, and
// death detection.
package session

import (
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// Session is one live container bound to a workspace folder.
type Session struct {
	Folder        string
	ChatJID       string
	ContainerName string
	IsTask        bool

	mu              sync.Mutex
	proc            *wsq.Process
	onOutput        func(protocol.OutputEvent)
	queryDone       chan struct{}
	inFlight        bool
	pulsed          bool // pulse seen for the current query
	newSessionID    string
	dead            bool
	diedBeforePulse bool

	idleTimeout time.Duration
	idleTimer   *time.Timer
	destroy     func() // installed by the manager
}

// beginQuery arms the session for one turn: fresh done signal, caller's
// output handler, idle timer paused.
func (s *Session) beginQuery(onOutput func(protocol.OutputEvent)) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = true
	s.pulsed = false
	s.newSessionID = ""
	s.onOutput = onOutput
	s.queryDone = make(chan struct{})
	s.stopIdleLocked()
	return s.queryDone
}

// endQuery is called after the caller observed query_done (or gave up).
func (s *Session) endQuery() (newSessionID string, diedBeforePulse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.onOutput = nil
	if !s.dead {
		s.resetIdleLocked()
	}
	return s.newSessionID, s.diedBeforePulse
}

// handleOutput routes one parsed output event. Returns the new session
// id when the event was the query-done pulse.
func (s *Session) handleOutput(ev protocol.OutputEvent) (pulse bool, newSessionID string) {
	s.mu.Lock()
	if ev.IsQueryDonePulse() {
		s.pulsed = true
		s.newSessionID = ev.NewSessionID
		s.signalDoneLocked()
		s.resetIdleLocked()
		s.mu.Unlock()
		return true, ev.NewSessionID
	}
	handler := s.onOutput
	s.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
	return false, ""
}

// markDead records process exit. cleanExit means exit status 0, which
// without a pulse is a legitimate shutdown (agent ended its own run).
func (s *Session) markDead(cleanExit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	s.stopIdleLocked()
	if s.inFlight && !s.pulsed {
		if !cleanExit {
			s.diedBeforePulse = true
		}
		s.signalDoneLocked()
	}
}

// Dead reports whether the container process has exited.
func (s *Session) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *Session) signalDoneLocked() {
	if s.queryDone != nil {
		select {
		case <-s.queryDone:
		default:
			close(s.queryDone)
		}
	}
}

func (s *Session) resetIdleLocked() {
	s.stopIdleLocked()
	if s.idleTimeout <= 0 || s.destroy == nil {
		return
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.destroy)
}

func (s *Session) stopIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

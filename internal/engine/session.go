package engine

import (
	"sync"

	"github.com/payrelay/payrelay-go/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is the engine's live representation of one session. The
// lifecycle state is the only mutable field; everything else is fixed at
// initialization.
type SessionHandle struct {
	sessionID       string
	userID          string
	protocolVersion string

	mu    sync.Mutex
	state sessions.State
}

func newSessionHandle(sessionID, userID, protocolVersion string) *SessionHandle {
	return &SessionHandle{
		sessionID:       sessionID,
		userID:          userID,
		protocolVersion: protocolVersion,
		state:           sessions.StateInitializing,
	}
}

func (s *SessionHandle) SessionID() string { return s.sessionID }

func (s *SessionHandle) UserID() string { return s.userID }

func (s *SessionHandle) ProtocolVersion() string { return s.protocolVersion }

func (s *SessionHandle) State() sessions.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markReady moves the session out of the handshake. The transition is only
// valid from the initializing state; repeating it is harmless and a closed
// session stays closed.
func (s *SessionHandle) markReady() {
	s.mu.Lock()
	if s.state == sessions.StateInitializing {
		s.state = sessions.StateReady
	}
	s.mu.Unlock()
}

// markClosed moves the session to its terminal state. Reports whether this
// call performed the transition, so close-side cleanup runs exactly once.
func (s *SessionHandle) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessions.StateClosed {
		return false
	}
	s.state = sessions.StateClosed
	return true
}

// Package sessions defines the session model of the gateway: the Session
// contract, the lifecycle states of its transport, the concurrency-safe
// session table, and the SessionHost abstraction that carries per-session
// ordered messaging and request/response rendezvous.
//
// A session is one logical client conversation. It is identified by an
// opaque, unpredictable id minted at initialization and never reused. The
// session exclusively owns its transport; once closed, the id is permanently
// invalid.
package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates the session id is unknown: never created,
	// or already closed. Closed ids are never re-admitted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists indicates a register collision. With unpredictable id
	// generation this should not occur; the table rejects the insert rather
	// than silently overwriting.
	ErrSessionExists = errors.New("session already registered")
)

// State is the lifecycle state of a session's transport.
type State string

const (
	// StateUninitialized is the implicit state before the initialize request
	// is accepted. No transport exists yet.
	StateUninitialized State = "uninitialized"
	// StateInitializing covers the handshake: the id has been minted but the
	// initialize response has not been written.
	StateInitializing State = "initializing"
	// StateReady accepts requests and notifications.
	StateReady State = "ready"
	// StateClosed is terminal. A closed transport accepts no operations and
	// has released its table entry.
	StateClosed State = "closed"
)

// Session is a live client conversation. Implementations must be safe for
// concurrent use: multiple HTTP exchanges may drive one session at once.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
	State() State
}

// MessageHandlerFunc handles ordered messages for a session stream. A
// non-nil error terminates the subscription with that error.
type MessageHandlerFunc func(ctx context.Context, msgID string, msg []byte) error

package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAwaitExists indicates there is already a waiter for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled or
	// the session was cleaned up underneath it.
	ErrAwaitCanceled = errors.New("await canceled")
)

// Awaiter is a one-shot receive for a specific (sessionID, correlationID)
// pair, representing the outcome of a single in-flight request. Only one
// awaiter may be registered per key at a time.
//
//   - Recv blocks until the request is fulfilled, canceled, or ctx ends.
//   - Cancel makes any current or future Recv return ErrAwaitCanceled.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

// SessionHost carries the per-session plumbing the transport engine needs:
// ordered messaging with resume, and request/response rendezvous. The
// in-memory host is volatile; the Redis host allows multiple
// gateway instances to share sessions.
type SessionHost interface {
	// PublishSession appends data to the session's ordered stream and
	// returns the event id assigned to it.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession replays messages after lastEventID (all pending if
	// empty) and then follows the stream until ctx ends or handler errors.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunc) error
	// CleanupSession releases stream and rendezvous state for the session.
	// Cleaning an unknown session is a no-op.
	CleanupSession(ctx context.Context, sessionID string) error

	// BeginAwait registers a waiter for correlationID under the session with
	// a TTL for automatic cleanup. Exactly one waiter may exist per key.
	BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (Awaiter, error)
	// Fulfill delivers data to a registered waiter, reporting whether the
	// waiter received it. No waiter means the result is dropped without
	// error; a response arriving after close must not fault.
	Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (delivered bool, err error)
}

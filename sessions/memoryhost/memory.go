// Package memoryhost is the in-process SessionHost. Session state is
// volatile: nothing survives a restart.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/payrelay/payrelay-go/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64
}

type stream struct {
	mu       sync.Mutex
	messages []message
	waiters  map[chan struct{}]struct{}
	awaits   map[string]chan []byte
}

type message struct {
	id   string
	data []byte
}

// New returns an empty host.
func New() *Host {
	return &Host{streams: make(map[string]*stream)}
}

var _ sessions.SessionHost = (*Host)(nil)

func (h *Host) ensure(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[sessionID]
	if !ok {
		s = &stream{
			waiters: make(map[chan struct{}]struct{}),
			awaits:  make(map[string]chan []byte),
		}
		h.streams[sessionID] = s
	}
	return s
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	s := h.ensure(sessionID)

	s.mu.Lock()
	s.messages = append(s.messages, message{id: evID, data: append([]byte(nil), data...)})
	for ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	return evID, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunc) error {
	s := h.ensure(sessionID)

	wake := make(chan struct{}, 1)
	s.mu.Lock()
	next, err := s.cursorAfterLocked(lastEventID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.waiters[wake] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, wake)
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		var pending []message
		if next < len(s.messages) {
			pending = make([]message, len(s.messages)-next)
			copy(pending, s.messages[next:])
			next = len(s.messages)
		}
		s.mu.Unlock()

		for _, m := range pending {
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// cursorAfterLocked resolves lastEventID to the index of the first message
// to deliver. Empty means "everything currently buffered".
func (s *stream) cursorAfterLocked(lastEventID string) (int, error) {
	if lastEventID == "" {
		return 0, nil
	}
	for i := range s.messages {
		if s.messages[i].id == lastEventID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("last event id %s not found", lastEventID)
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	s, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	for _, ch := range s.awaits {
		close(ch)
	}
	s.awaits = make(map[string]chan []byte)
	for ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// --- Rendezvous ---

type awaiter struct {
	s             *stream
	correlationID string
	ch            chan []byte
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		_ = a.Cancel(context.Background())
		return nil, ctx.Err()
	case data, ok := <-a.ch:
		if !ok {
			return nil, sessions.ErrAwaitCanceled
		}
		return data, nil
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	a.s.mu.Lock()
	if cur, ok := a.s.awaits[a.correlationID]; ok && cur == a.ch {
		delete(a.s.awaits, a.correlationID)
		close(cur)
	}
	a.s.mu.Unlock()
	return nil
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	s := h.ensure(sessionID)

	s.mu.Lock()
	if _, exists := s.awaits[correlationID]; exists {
		s.mu.Unlock()
		return nil, sessions.ErrAwaitExists
	}
	ch := make(chan []byte, 1)
	s.awaits[correlationID] = ch
	s.mu.Unlock()

	a := &awaiter{s: s, correlationID: correlationID, ch: ch}
	if ttl > 0 {
		_ = time.AfterFunc(ttl, func() { _ = a.Cancel(context.Background()) })
	}
	return a, nil
}

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	s := h.ensure(sessionID)

	s.mu.Lock()
	ch, ok := s.awaits[correlationID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.awaits, correlationID)
	s.mu.Unlock()

	ch <- append([]byte(nil), data...)
	close(ch)
	return true, nil
}

package sessions

import "sync"

// Table is the concurrency-safe registry mapping session ids to live
// sessions. It is the only shared mutable state in the transport core; all
// operations are safe under concurrent use from overlapping HTTP requests.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Session)}
}

// Register inserts sess under its session id. A duplicate id is rejected
// with ErrSessionExists; ids are unpredictable so a collision indicates a
// bug upstream, not a condition to paper over.
func (t *Table) Register(sess Session) error {
	id := sess.SessionID()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return ErrSessionExists
	}
	t.entries[id] = sess
	return nil
}

// Lookup returns the session registered under id.
func (t *Table) Lookup(id string) (Session, bool) {
	t.mu.RLock()
	sess, ok := t.entries[id]
	t.mu.RUnlock()
	return sess, ok
}

// Remove deregisters id. Removing an absent id is a no-op, which makes
// double-close idempotent. Reports whether an entry was removed.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

// Len reports the number of open sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

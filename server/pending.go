package server

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDuplicateSeqNum = errors.New("server: sequence number already pending")

type pendingKey struct {
	session uint32
	seq     uint32
}

// pendingRequest tracks one submitted URB between registration and the
// moment exactly one outcome (completion reply or unlink) removes it.
type pendingRequest struct {
	key     pendingKey
	busID   string
	cancel  context.CancelFunc
	created time.Time
}

// pendingTable is the process-wide pending-request table, owned by the
// session manager and mutated only through these accessors. Entries are
// keyed by (session id, sequence number); no session can touch another
// session's entries because callers always pass their own session id.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]*pendingRequest)}
}

// add registers a pending request. A sequence number must be unique
// within its session while pending.
func (t *pendingTable) add(session, seq uint32, busID string, cancel context.CancelFunc) error {
	key := pendingKey{session: session, seq: seq}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return errDuplicateSeqNum
	}
	t.entries[key] = &pendingRequest{
		key:     key,
		busID:   busID,
		cancel:  cancel,
		created: time.Now(),
	}
	return nil
}

// take removes and returns the entry, or nil when it is absent. Removal
// happens exactly once: whichever of completion and unlink calls take
// first wins the entry.
func (t *pendingTable) take(session, seq uint32) *pendingRequest {
	key := pendingKey{session: session, seq: seq}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return entry
}

// cancelSession cancels and removes every entry the session owns,
// returning how many were dropped.
func (t *pendingTable) cancelSession(session uint32) int {
	t.mu.Lock()
	var dropped []*pendingRequest
	for key, entry := range t.entries {
		if key.session == session {
			dropped = append(dropped, entry)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()
	for _, entry := range dropped {
		entry.cancel()
	}
	return len(dropped)
}

func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

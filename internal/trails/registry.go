package trails

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// liveSession is the handle held in the SessionRegistry for one active
// transport. Outbound frames are serialized through the send channel,
// drained by the session's writer goroutine. displaced marks a handle
// closed by a last-writer-wins re-register so its teardown skips the
// reconnecting transition.
type liveSession struct {
	id        uuid.UUID
	send      chan []byte
	cancel    context.CancelFunc
	displaced atomic.Bool
}

// SessionRegistry maps participant identifiers to their single live
// session. It is the source of truth for "is there a live transport?"
// and holds no persistent state.
type SessionRegistry struct {
	mu   sync.Mutex
	live map[uuid.UUID]*liveSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{live: map[uuid.UUID]*liveSession{}}
}

// TryClaim installs handle as the live session for id. It fails when a
// different live session already holds the slot.
func (r *SessionRegistry) TryClaim(id uuid.UUID, handle *liveSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return false
	}
	r.live[id] = handle
	return true
}

// Steal replaces any existing live session for id with handle, returning
// the displaced handle (nil when the slot was free). Last-writer-wins
// reconnection policy.
func (r *SessionRegistry) Steal(id uuid.UUID, handle *liveSession) *liveSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.live[id]
	r.live[id] = handle
	return prior
}

// Release clears the slot, but only if handle still owns it; a session
// displaced by Steal must not release its successor.
func (r *SessionRegistry) Release(id uuid.UUID, handle *liveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[id] == handle {
		delete(r.live, id)
	}
}

// Route enqueues an outbound frame for id's live session. Returns
// ErrNotConnected when no live transport exists or its outbox is full.
func (r *SessionRegistry) Route(id uuid.UUID, frame []byte) error {
	r.mu.Lock()
	handle, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case handle.send <- frame:
		return nil
	default:
		return ErrNotConnected
	}
}

// Has reports whether a live session exists for id.
func (r *SessionRegistry) Has(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// Snapshot returns the ids of all live sessions.
func (r *SessionRegistry) Snapshot() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.live))
	for id := range r.live {
		out = append(out, id)
	}
	return out
}

// Broadcast enqueues frame for every live session, best effort.
func (r *SessionRegistry) Broadcast(frame []byte) {
	r.mu.Lock()
	handles := make([]*liveSession, 0, len(r.live))
	for _, h := range r.live {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		select {
		case h.send <- frame:
		default:
		}
	}
}

// Package registry maps each connected user to exactly one live connection
// handle. It is the single source of truth for whether a user is reachable.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Close codes used when the registry itself closes a handle.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// Handle is a send-capable reference to one live connection. Send must not
// block: a full or dead connection reports false immediately.
type Handle interface {
	ID() string
	Send(payload []byte) bool
	Close(code int, reason string)
}

// Registry is safe for concurrent use. Register, Unregister, Remove, Lookup
// and Send are linearizable with respect to each other.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Handle
	log   *zap.Logger
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		conns: make(map[int64]Handle),
		log:   log,
	}
}

// Register installs h for userID. A previous handle for the same user is
// removed and closed; it is returned so callers can log the eviction.
func (r *Registry) Register(userID int64, h Handle) Handle {
	r.mu.Lock()
	prev, existed := r.conns[userID]
	r.conns[userID] = h
	total := len(r.conns)
	r.mu.Unlock()

	if existed && prev != h {
		r.log.Info("evicting previous connection",
			zap.Int64("user_id", userID),
			zap.String("old_conn_id", prev.ID()),
			zap.String("new_conn_id", h.ID()))
		prev.Close(CloseNormal, "replaced by a new connection")
	} else {
		prev = nil
	}
	r.log.Debug("connection registered",
		zap.Int64("user_id", userID),
		zap.String("conn_id", h.ID()),
		zap.Int("total", total))
	return prev
}

// Unregister removes userID only while its entry is still h, so a late
// disconnect cannot evict a newer connection. It reports whether it removed.
func (r *Registry) Unregister(userID int64, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[userID]
	if !ok || cur != h {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Remove deletes the entry for userID whatever handle it holds.
func (r *Registry) Remove(userID int64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	return h, ok
}

// Lookup returns the live handle for userID.
func (r *Registry) Lookup(userID int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[userID]
	return h, ok
}

// Send delivers payload to userID's connection. It never blocks and never
// fails loudly: false means the user is not connected or the send was dropped.
func (r *Registry) Send(userID int64, payload []byte) bool {
	h, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	return h.Send(payload)
}

// UserIDs returns a snapshot of the connected user ids.
func (r *Registry) UserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered handle without removing it; each
// connection's own teardown unregisters it. It returns the number closed.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Close(code, reason)
	}
	return len(handles)
}

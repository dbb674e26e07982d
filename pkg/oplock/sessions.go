package oplock

import "sync"

// SessionRegistry is the default in-process Sessions implementation:
// a concurrency-safe map from session id to SessionChannel. Real
// session establishment (SPNEGO, authentication) is an external
// collaborator this core does not implement (spec.md §1); whatever
// layer owns that handshake registers and unregisters its
// SessionChannel here as sessions come and go.
type SessionRegistry struct {
	mu sync.RWMutex
	m  map[uint64]SessionChannel
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{m: make(map[uint64]SessionChannel)}
}

// Register associates sessionID with channel, replacing any prior
// channel registered under the same id.
func (r *SessionRegistry) Register(sessionID uint64, channel SessionChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[sessionID] = channel
}

// Unregister removes sessionID, e.g. on client disconnect.
func (r *SessionRegistry) Unregister(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, sessionID)
}

// Lookup implements Sessions.
func (r *SessionRegistry) Lookup(sessionID uint64) (SessionChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.m[sessionID]
	return ch, ok
}

// Count reports the number of currently registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

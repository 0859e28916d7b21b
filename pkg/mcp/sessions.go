package mcp

import "sync"

// SessionRegistry maps client IDs to MCP session IDs.
// Populated when a client starts an execution with a client_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // clientID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a client ID with a session ID, replacing any previous one.
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// SessionFor returns the session ID of the client, if connected.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Remove deletes every client mapped to the session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}

// ownerIndex remembers which client started an execution.
type ownerIndex struct {
	mu     sync.Mutex
	owners map[int64]string
}

func newOwnerIndex() *ownerIndex {
	return &ownerIndex{owners: make(map[int64]string)}
}

func (o *ownerIndex) set(id int64, clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[id] = clientID
}

// take returns and forgets the owner of id.
func (o *ownerIndex) take(id int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cid, ok := o.owners[id]
	delete(o.owners, id)
	return cid, ok
}

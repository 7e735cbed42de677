package mcp

import "sync"

// SessionRegistry maps workflow IDs to the MCP session that started them.
// Populated when crewflow.execute is called over a session-aware transport.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workflowID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a workflow with a session.
func (r *SessionRegistry) Register(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workflowID] = sessionID
}

// SessionFor returns the session that started the workflow, if known.
func (r *SessionRegistry) SessionFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workflowID]
	return sid, ok
}

// Forget drops the mapping of one workflow.
func (r *SessionRegistry) Forget(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workflowID)
}

// Remove deletes every workflow mapped to the given session.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, wid)
		}
	}
}

// Len returns the number of tracked workflows.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

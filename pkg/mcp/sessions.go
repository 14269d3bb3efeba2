package mcp

import "sync"

// SessionRegistry maps workspace IDs to MCP session IDs.
// Populated when a client calls a tool that names a workspace.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workspaceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a workspace with a session. A later session for the
// same workspace replaces the earlier one.
func (r *SessionRegistry) Register(workspaceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workspaceID] = sessionID
}

// SessionFor returns the session ID watching the workspace, if any.
func (r *SessionRegistry) SessionFor(workspaceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[workspaceID]
	return sid, ok
}

// Remove deletes every workspace mapping of the given session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ws, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, ws)
		}
	}
}

package mcp

import "sync"

// SessionRegistry maps pipeline IDs to the MCP client sessions watching them.
// A client starts watching a pipeline when it calls a tool on it.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // pipelineID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch registers sessionID as a watcher of pipelineID.
func (r *SessionRegistry) Watch(pipelineID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[pipelineID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[pipelineID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching pipelineID.
func (r *SessionRegistry) SessionsFor(pipelineID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[pipelineID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove drops sessionID from every pipeline it watches.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, pid)
		}
	}
}

package mcp

import "sync"

// SessionRegistry records which MCP session watches each run. Run events
// go only to the watching session, and a run has at most one watcher.
type SessionRegistry struct {
	mu      sync.RWMutex
	watcher map[string]string   // run ID to session ID
	watched map[string][]string // session ID to run IDs
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watcher: map[string]string{}, watched: map[string][]string{}}
}

// Register hands the run to sessionID, taking it from any earlier watcher.
func (r *SessionRegistry) Register(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(runID)
	r.watcher[runID] = sessionID
	r.watched[sessionID] = append(r.watched[sessionID], runID)
}

func (r *SessionRegistry) SessionFor(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.watcher[runID]
	return sid, ok
}

// Forget stops watching one run, typically once it is terminal.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlink(runID)
}

// Remove drops a disconnected session and every run it watched.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, runID := range r.watched[sessionID] {
		delete(r.watcher, runID)
	}
	delete(r.watched, sessionID)
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watcher)
}

func (r *SessionRegistry) unlink(runID string) {
	sid, ok := r.watcher[runID]
	if !ok {
		return
	}
	delete(r.watcher, runID)
	runs := r.watched[sid]
	for i, id := range runs {
		if id == runID {
			runs = append(runs[:i], runs[i+1:]...)
			break
		}
	}
	if len(runs) == 0 {
		delete(r.watched, sid)
	} else {
		r.watched[sid] = runs
	}
}

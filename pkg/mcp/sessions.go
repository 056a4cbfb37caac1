package mcp

import "sync"

// SessionRegistry remembers which MCP session an actor last executed a
// workflow from, so terminal execution events can be pushed back to it.
// One session may serve several actors; an actor has at most one session.
type SessionRegistry struct {
	mu        sync.RWMutex
	byActor   map[string]string
	bySession map[string]map[string]struct{}
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byActor:   make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register binds actor to sessionID. A previous binding of actor is dropped.
func (r *SessionRegistry) Register(actor, sessionID string) {
	if actor == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byActor[actor]; ok && prev != sessionID {
		r.unbind(actor, prev)
	}
	r.byActor[actor] = sessionID
	actors := r.bySession[sessionID]
	if actors == nil {
		actors = make(map[string]struct{})
		r.bySession[sessionID] = actors
	}
	actors[actor] = struct{}{}
}

func (r *SessionRegistry) SessionFor(actor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byActor[actor]
	return sid, ok
}

// Remove forgets the session and every actor bound to it. Called when the
// client disconnects or its session is found to be gone.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor := range r.bySession[sessionID] {
		delete(r.byActor, actor)
	}
	delete(r.bySession, sessionID)
}

// Len is the number of actors with a live binding.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byActor)
}

// unbind requires r.mu.
func (r *SessionRegistry) unbind(actor, sessionID string) {
	actors := r.bySession[sessionID]
	delete(actors, actor)
	if len(actors) == 0 {
		delete(r.bySession, sessionID)
	}
}

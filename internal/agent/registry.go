package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps session ids to live sessions for lookup and cancellation. It is
// the only state shared between sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s. Registering an id twice is an error.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s is already registered", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Cancel requests cancellation of the session registered under id and reports
// whether one was found.
func (r *Registry) Cancel(id string) bool {
	s, ok := r.Lookup(id)
	if ok {
		s.Cancel()
	}
	return ok
}

// CancelAll requests cancellation of every registered session.
func (r *Registry) CancelAll() {
	for _, s := range r.snapshot() {
		s.Cancel()
	}
}

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// List returns the registered sessions ordered by start time, then id.
func (r *Registry) List() []SessionInfo {
	sessions := r.snapshot()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{ID: s.ID(), Goal: s.Objective().Goal, State: s.State(), StartedAt: s.StartedAt()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len reports how many sessions are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

package memory

import "sync"

// Shards holds one WorkingMemory per session. Sessions never share locks;
// contention is strictly session-local.
type Shards struct {
	mu       sync.RWMutex
	sessions map[string]*WorkingMemory
	observer Observer
}

// NewShards creates an empty shard map. observer is attached to every
// session memory it creates (may be nil).
func NewShards(observer Observer) *Shards {
	return &Shards{
		sessions: make(map[string]*WorkingMemory),
		observer: observer,
	}
}

// ForSession returns the session's working memory, creating it on first use.
func (s *Shards) ForSession(sessionID string) *WorkingMemory {
	s.mu.RLock()
	m, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sessions[sessionID]; ok {
		return m
	}
	m = New(sessionID, s.observer)
	s.sessions[sessionID] = m
	return m
}

// Peek returns the session's working memory without creating it.
func (s *Shards) Peek(sessionID string) (*WorkingMemory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[sessionID]
	return m, ok
}

// Restore installs a memory rebuilt from a snapshot, replacing any
// existing shard for the session.
func (s *Shards) Restore(m *WorkingMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[m.SessionID()] = m
}

// Drop removes the session's shard. Used by the janitor once a session
// is closed and its snapshot persisted.
func (s *Shards) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sessions returns the ids of all live shards.
func (s *Shards) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

package session

import (
	"sync"
)

// DefaultHistorySize is the number of finished sessions a Store keeps.
const DefaultHistorySize = 50

// Store keeps the final snapshots of recently finished sessions in memory,
// newest last. It is never persisted.
type Store struct {
	mu       sync.RWMutex
	sessions []*Snapshot
	byID     map[string]*Snapshot
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &Store{
		byID:  make(map[string]*Snapshot),
		limit: limit,
	}
}

func (s *Store) Get(id string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// GetAll returns copies of every stored snapshot, newest first.
func (s *Store) GetAll() []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Snapshot, 0, len(s.sessions))
	for i := len(s.sessions) - 1; i >= 0; i-- {
		result = append(result, s.sessions[i].Clone())
	}
	return result
}

// Add stores a copy of snap, replacing an existing entry with the same id
// and evicting the oldest entry once the limit is reached.
func (s *Store) Add(snap *Snapshot) {
	if snap == nil || snap.SessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := snap.Clone()
	if _, ok := s.byID[c.SessionID]; ok {
		for i, existing := range s.sessions {
			if existing.SessionID == c.SessionID {
				s.sessions[i] = c
				break
			}
		}
		s.byID[c.SessionID] = c
		return
	}

	if len(s.sessions) >= s.limit {
		oldest := s.sessions[0]
		delete(s.byID, oldest.SessionID)
		s.sessions = s.sessions[1:]
	}
	s.sessions = append(s.sessions, c)
	s.byID[c.SessionID] = c
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

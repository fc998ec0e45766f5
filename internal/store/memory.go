package store

import (
	"context"
	"sync"

	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/stats"
)

// MemoryStore is the default adapter: state lives only in process memory, so
// nothing survives a restart. It exists so the core always has a working
// Store, and it doubles as the fallback target when a real backend is
// unreachable.
type MemoryStore struct {
	mu      sync.Mutex
	entries []queue.Entry
	byID    map[string]bool
	rooms   map[string][2]string // room ID -> members
	roomOf  map[string]string    // connection ID -> room ID
	stats   stats.Persisted
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]bool),
		rooms:  make(map[string][2]string),
		roomOf: make(map[string]string),
	}
}

// LoadWaiting returns a copy of the held entries.
func (s *MemoryStore) LoadWaiting(ctx context.Context) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]queue.Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// SaveWaiting replaces the held entries with the snapshot.
func (s *MemoryStore) SaveWaiting(ctx context.Context, entries []queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]queue.Entry, len(entries))
	copy(s.entries, entries)
	s.byID = make(map[string]bool, len(entries))
	for _, e := range entries {
		s.byID[e.ConnID] = true
	}
	return nil
}

// AddWaiting appends one entry, replacing any previous entry for the same
// connection.
func (s *MemoryStore) AddWaiting(ctx context.Context, e queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byID[e.ConnID] {
		for i, old := range s.entries {
			if old.ConnID == e.ConnID {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
	}
	s.entries = append(s.entries, e)
	s.byID[e.ConnID] = true
	return nil
}

// RemoveIfPresent removes the entry for connID and reports whether it was
// present. The whole check-and-remove runs under one lock, satisfying the
// ConditionalRemover contract.
func (s *MemoryStore) RemoveIfPresent(ctx context.Context, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.byID[connID] {
		return false, nil
	}
	delete(s.byID, connID)
	for i, e := range s.entries {
		if e.ConnID == connID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	return true, nil
}

// SaveRoom records an active room and its memberships.
func (s *MemoryStore) SaveRoom(ctx context.Context, roomID, memberA, memberB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[roomID] = [2]string{memberA, memberB}
	s.roomOf[memberA] = roomID
	s.roomOf[memberB] = roomID
	return nil
}

// LookupRoom returns the room's members.
func (s *MemoryStore) LookupRoom(ctx context.Context, roomID string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		return "", "", false, nil
	}
	return members[0], members[1], true, nil
}

// RoomOfMember returns the room the connection belongs to.
func (s *MemoryStore) RoomOfMember(ctx context.Context, connID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.roomOf[connID]
	return roomID, ok, nil
}

// RemoveRoom deletes the room and both memberships.
func (s *MemoryStore) RemoveRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(s.rooms, roomID)
	delete(s.roomOf, members[0])
	delete(s.roomOf, members[1])
	return nil
}

// LoadStats returns the held counters.
func (s *MemoryStore) LoadStats(ctx context.Context) (stats.Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

// SaveStats stores the counters.
func (s *MemoryStore) SaveStats(ctx context.Context, p stats.Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = p
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

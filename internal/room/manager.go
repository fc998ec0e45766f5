// Package room tracks active two-party chat rooms. A connection belongs to at
// most one active room, and a room always has exactly two members while
// active; a single departure empties the room completely.
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyInRoom is returned by Create when either connection is already a
// member of an active room.
var ErrAlreadyInRoom = errors.New("room: connection already in a room")

// Room status values.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Room is an ephemeral two-party relay session.
type Room struct {
	ID        string
	MemberA   string
	MemberB   string
	CreatedAt time.Time
	Status    string
}

// Peer returns the other member's connection ID, or "" if the given
// connection is not a member.
func (r *Room) Peer(connID string) string {
	switch connID {
	case r.MemberA:
		return r.MemberB
	case r.MemberB:
		return r.MemberA
	}
	return ""
}

// IsMember reports whether the connection belongs to this room.
func (r *Room) IsMember(connID string) bool {
	return connID == r.MemberA || connID == r.MemberB
}

// Manager is the goroutine-safe registry of active rooms with O(1) lookup by
// room ID and by member connection ID.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room  // room ID -> room
	byConn map[string]string // connection ID -> room ID
}

// NewManager creates an empty room registry.
func NewManager() *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
	}
}

// Create atomically creates an active room for the two connections and
// returns the new room ID. It fails with ErrAlreadyInRoom if either
// connection is already a member of an active room.
func (m *Manager) Create(connA, connB string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byConn[connA]; ok {
		return "", ErrAlreadyInRoom
	}
	if _, ok := m.byConn[connB]; ok {
		return "", ErrAlreadyInRoom
	}

	r := &Room{
		ID:        uuid.New().String(),
		MemberA:   connA,
		MemberB:   connB,
		CreatedAt: time.Now(),
		Status:    StatusActive,
	}
	m.rooms[r.ID] = r
	m.byConn[connA] = r.ID
	m.byConn[connB] = r.ID
	return r.ID, nil
}

// Get returns the room with the given ID, or nil if it does not exist.
func (m *Manager) Get(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// MembersOf returns the two member connection IDs of the room, or ok=false
// if the room does not exist.
func (m *Manager) MembersOf(roomID string) (string, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return "", "", false
	}
	return r.MemberA, r.MemberB, true
}

// RoomOf returns the room the connection belongs to, or nil if it is not in
// a room.
func (m *Manager) RoomOf(connID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roomID, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Remove takes the connection out of its room. Two-party rooms always empty
// fully on a single departure: the room transitions to closed and is deleted,
// and the remaining peer's ID is returned so the caller can notify it.
// Returns ok=false if the connection was not in a room (idempotent no-op).
func (m *Manager) Remove(connID string) (peerID, roomID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok = m.byConn[connID]
	if !ok {
		return "", "", false
	}

	r := m.rooms[roomID]
	peerID = r.Peer(connID)
	r.Status = StatusClosed

	delete(m.rooms, roomID)
	delete(m.byConn, r.MemberA)
	delete(m.byConn, r.MemberB)
	return peerID, roomID, true
}

// All returns a snapshot of all active rooms, for stats and monitoring.
func (m *Manager) All() []Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, *r)
	}
	return out
}

// Count returns the number of active rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

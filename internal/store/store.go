// Package store defines the narrow persistence interface the matchmaking
// core depends on, and its adapters: in-memory, JSON file, and Redis. The
// backend is selected once at startup; the core only sees the Store
// interface and treats every call as fallible I/O with bounded timeouts.
package store

import (
	"context"

	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/stats"
)

// Store is the persistence collaborator for the waiting queue and the
// monotonic stats counters. Implementations must be safe for concurrent use.
type Store interface {
	// LoadWaiting returns the persisted waiting entries in queue order.
	LoadWaiting(ctx context.Context) ([]queue.Entry, error)

	// SaveWaiting replaces the persisted waiting entries with the snapshot.
	SaveWaiting(ctx context.Context, entries []queue.Entry) error

	// LoadStats returns the persisted counters, or zero values if none
	// have been saved yet.
	LoadStats(ctx context.Context) (stats.Persisted, error)

	// SaveStats persists the counters.
	SaveStats(ctx context.Context, p stats.Persisted) error

	// Close releases backend resources.
	Close() error
}

// ConditionalRemover is implemented by stores shared between multiple
// service instances. RemoveIfPresent atomically removes the waiting entry
// and reports whether it was still present, so two instances cannot both
// claim the same entry. Plain read-then-delete is not safe for that
// deployment; callers must treat a false result as "lost the race" and move
// on to the next candidate.
type ConditionalRemover interface {
	RemoveIfPresent(ctx context.Context, connID string) (bool, error)
}

// IncrementalWriter is the companion to ConditionalRemover for shared
// stores: AddWaiting persists one entry without touching the rest of the
// queue. A full SaveWaiting rebuild would drop entries written by other
// instances, so shared deployments add and remove entries one at a time.
type IncrementalWriter interface {
	AddWaiting(ctx context.Context, e queue.Entry) error
}

// SharedRoomStore is implemented by stores shared between multiple service
// instances. A match can pair two connections hosted on different instances;
// the room then has to be resolvable by the peer's host, which never created
// it locally. The shared room table is the authoritative membership record
// for those rooms: message relay and disconnect teardown on any instance
// look rooms up here when the local table misses.
type SharedRoomStore interface {
	// SaveRoom records an active room and both member memberships.
	SaveRoom(ctx context.Context, roomID, memberA, memberB string) error

	// LookupRoom returns the room's members, or ok=false if it does not
	// exist.
	LookupRoom(ctx context.Context, roomID string) (memberA, memberB string, ok bool, err error)

	// RoomOfMember returns the room the connection belongs to, or ok=false.
	RoomOfMember(ctx context.Context, connID string) (roomID string, ok bool, err error)

	// RemoveRoom deletes the room and both memberships. Removing an absent
	// room is a no-op.
	RemoveRoom(ctx context.Context, roomID string) error
}

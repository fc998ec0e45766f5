// Package queue implements the in-memory waiting pool of connections seeking
// a chat partner. Entries are ordered by arrival time; a connection appears in
// the queue at most once.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyWaiting is returned by Enqueue when the connection is already in
// the queue.
var ErrAlreadyWaiting = errors.New("queue: connection already waiting")

// Entry is one waiting connection: its identifier, declared topic set, and
// the time it joined the queue.
type Entry struct {
	ConnID   string    `json:"connId"`
	Topics   []string  `json:"topics"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Queue is a goroutine-safe waiting pool ordered oldest-first.
type Queue struct {
	mu      sync.Mutex
	entries []Entry         // arrival order, oldest first
	byID    map[string]bool // membership index
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		byID: make(map[string]bool),
	}
}

// Enqueue adds a waiting entry for the connection. It returns
// ErrAlreadyWaiting if the connection is already queued.
func (q *Queue) Enqueue(connID string, topics []string, joinedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.byID[connID] {
		return ErrAlreadyWaiting
	}

	q.entries = append(q.entries, Entry{
		ConnID:   connID,
		Topics:   topics,
		JoinedAt: joinedAt,
	})
	q.byID[connID] = true
	return nil
}

// Dequeue removes and returns the entry for the connection. The second return
// value reports whether the connection was present; absence is not an error,
// callers treat it as "nothing to remove".
func (q *Queue) Dequeue(connID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.byID[connID] {
		return Entry{}, false
	}

	for i, e := range q.entries {
		if e.ConnID == connID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			delete(q.byID, connID)
			return e, true
		}
	}

	// Index said present but the slice disagrees; repair the index.
	delete(q.byID, connID)
	return Entry{}, false
}

// Snapshot returns a copy of all entries ordered oldest-first. The ordering
// is significant for matching fairness.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// EvictOlderThan removes and returns all entries that joined before cutoff.
func (q *Queue) EvictOlderThan(cutoff time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.JoinedAt.Before(cutoff) {
			evicted = append(evicted, e)
			delete(q.byID, e.ConnID)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return evicted
}

// Contains reports whether the connection is currently waiting.
func (q *Queue) Contains(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byID[connID]
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Replace restores the queue from persisted entries, preserving their order.
// It is used at startup to warm the in-memory queue from the store.
func (q *Queue) Replace(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make([]Entry, 0, len(entries))
	q.byID = make(map[string]bool, len(entries))
	for _, e := range entries {
		if q.byID[e.ConnID] {
			continue // drop duplicates from a corrupt snapshot
		}
		q.entries = append(q.entries, e)
		q.byID[e.ConnID] = true
	}
}

// Package stats aggregates monotonic counters and live gauges over the
// waiting queue and room table. Counters only grow for the lifetime of the
// process; gauges are read lazily from the structures they describe so that
// snapshots never block writers.
package stats

import (
	"sync/atomic"
	"time"
)

// Collector accumulates process-wide counters and reads gauges through
// injected providers. The zero gauge providers are safe (they report 0).
type Collector struct {
	totalConnections atomic.Int64
	totalMatches     atomic.Int64
	messagesCount    atomic.Int64

	waitingFn     func() int
	activeRoomsFn func() int
	connectedFn   func() int
}

// NewCollector creates a Collector with the given gauge providers. Each
// provider may be nil.
func NewCollector(waiting, activeRooms, connected func() int) *Collector {
	return &Collector{
		waitingFn:     waiting,
		activeRoomsFn: activeRooms,
		connectedFn:   connected,
	}
}

// ConnectionSeen increments the total-connections counter.
func (c *Collector) ConnectionSeen() { c.totalConnections.Add(1) }

// MatchMade increments the total-matches counter.
func (c *Collector) MatchMade() { c.totalMatches.Add(1) }

// MessageRelayed increments the relayed-messages counter.
func (c *Collector) MessageRelayed() { c.messagesCount.Add(1) }

// Snapshot is a point-in-time view of the aggregated statistics, shaped for
// the /stats endpoint.
type Snapshot struct {
	WaitingUsers     int   `json:"waitingUsers"`
	TotalActiveUsers int   `json:"totalActiveUsers"`
	TotalConnections int64 `json:"totalConnections"`
	TotalMatches     int64 `json:"totalMatches"`
	MessagesCount    int64 `json:"messagesCount"`
	ActiveRooms      int   `json:"activeRooms"`
	Timestamp        int64 `json:"timestamp"`
}

// Snapshot returns the current counters and gauges. Gauge reads may lag
// concurrent mutations; the result is an eventually-consistent view.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		WaitingUsers:     c.gauge(c.waitingFn),
		TotalActiveUsers: c.gauge(c.connectedFn),
		TotalConnections: c.totalConnections.Load(),
		TotalMatches:     c.totalMatches.Load(),
		MessagesCount:    c.messagesCount.Load(),
		ActiveRooms:      c.gauge(c.activeRoomsFn),
		Timestamp:        time.Now().UnixMilli(),
	}
}

// Persisted is the durable subset of the counters, written through the store
// so totals survive a restart.
type Persisted struct {
	TotalConnections int64 `json:"totalConnections"`
	TotalMatches     int64 `json:"totalMatches"`
	MessagesCount    int64 `json:"messagesCount"`
	LastUpdated      int64 `json:"lastUpdated"`
}

// Persisted returns the counters in their durable form.
func (c *Collector) Persisted() Persisted {
	return Persisted{
		TotalConnections: c.totalConnections.Load(),
		TotalMatches:     c.totalMatches.Load(),
		MessagesCount:    c.messagesCount.Load(),
		LastUpdated:      time.Now().UnixMilli(),
	}
}

// Restore seeds the counters from a persisted snapshot, typically loaded at
// startup.
func (c *Collector) Restore(p Persisted) {
	c.totalConnections.Store(p.TotalConnections)
	c.totalMatches.Store(p.TotalMatches)
	c.messagesCount.Store(p.MessagesCount)
}

func (c *Collector) gauge(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

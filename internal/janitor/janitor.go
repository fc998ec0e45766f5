// Package janitor runs the periodic queue cleanup. Connections that have
// waited longer than the configured maximum are evicted and told to
// re-join.
package janitor

import (
	"context"
	"log"
	"time"
)

// Evictor is the slice of the gateway the janitor needs.
type Evictor interface {
	EvictStale(cutoff time.Time) int
}

// Config holds janitor tuning parameters.
type Config struct {
	Interval time.Duration // sweep period
	MaxAge   time.Duration // maximum time an entry may wait
}

// DefaultConfig returns the standard five-minute sweep.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		MaxAge:   5 * time.Minute,
	}
}

// Janitor periodically evicts stale waiting entries.
type Janitor struct {
	cfg     Config
	evictor Evictor
}

// New creates a Janitor over the given evictor.
func New(cfg Config, evictor Evictor) *Janitor {
	return &Janitor{cfg: cfg, evictor: evictor}
}

// Run sweeps on the configured interval until ctx is cancelled. It blocks;
// start it in its own goroutine.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[janitor] started (interval: %v, max age: %v)", j.cfg.Interval, j.cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			log.Println("[janitor] stopped")
			return
		case <-ticker.C:
			j.Sweep(time.Now())
		}
	}
}

// Sweep evicts entries older than now minus the maximum age.
func (j *Janitor) Sweep(now time.Time) {
	if n := j.evictor.EvictStale(now.Add(-j.cfg.MaxAge)); n > 0 {
		log.Printf("[janitor] evicted %d stale waiting entries", n)
	}
}

// Package abuse gates message relay with per-connection rate limiting and
// spam detection. State is held in memory, keyed by connection ID, and is
// bounded: the rate window only keeps timestamps inside the sliding window
// and the spam history keeps at most HistorySize recent texts, so memory per
// connection is O(1) amortized regardless of message volume.
package abuse

import (
	"errors"
	"sync"
	"time"
)

// Typed rejections. All are soft: the message is dropped and the connection
// is informed, never disconnected.
var (
	ErrRateLimited  = errors.New("abuse: rate limited")
	ErrSpamRepeated = errors.New("abuse: repeated message spam")
	ErrSpamRapid    = errors.New("abuse: rapid fire spam")
)

// Config holds the abuse guard thresholds.
type Config struct {
	RateLimit  int           // max messages per RateWindow
	RateWindow time.Duration // sliding window length

	HistorySize     int           // recent texts retained per connection
	SpamHorizon     time.Duration // age after which history entries are ignored and pruned
	RepeatThreshold int           // identical texts (incoming included) that flag repeated spam
	RapidFireCount  int           // near-equal-length texts that flag rapid fire
	RapidFireDelta  int           // length tolerance in characters
	RapidFireBurst  time.Duration // how recent the burst must be
}

// DefaultConfig returns the production thresholds: 30 messages per minute,
// 10 retained texts over a 5 minute horizon, repeated spam on the 3rd
// identical text, rapid fire on 5 near-equal-length texts within 10 seconds.
func DefaultConfig() Config {
	return Config{
		RateLimit:       30,
		RateWindow:      60 * time.Second,
		HistorySize:     10,
		SpamHorizon:     5 * time.Minute,
		RepeatThreshold: 3,
		RapidFireCount:  5,
		RapidFireDelta:  5,
		RapidFireBurst:  10 * time.Second,
	}
}

type record struct {
	text string
	at   time.Time
}

// Guard holds the per-connection rate windows and spam histories. It is
// goroutine-safe; all state for a connection is dropped by Forget on
// disconnect.
type Guard struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string][]time.Time
	history map[string][]record
}

// NewGuard creates a Guard with the given thresholds.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		history: make(map[string][]record),
	}
}

// CheckRate enforces the sliding-window message limit for the connection.
// Timestamps older than now minus the window are pruned; if the remaining
// count has reached the limit the call returns ErrRateLimited and the
// attempt is not recorded, otherwise now is recorded and the message is
// allowed. Exactly RateLimit messages succeed within any window.
func (g *Guard) CheckRate(connID string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.cfg.RateWindow)
	window := g.windows[connID]

	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= g.cfg.RateLimit {
		g.windows[connID] = kept
		return ErrRateLimited
	}

	g.windows[connID] = append(kept, now)
	return nil
}

// CheckSpam records the incoming text in the connection's history and then
// applies the spam heuristics:
//
//   - repeated: at least RepeatThreshold texts in the horizon (the incoming
//     one included) are identical -> ErrSpamRepeated
//   - rapid fire: at least RapidFireCount recent texts all have lengths
//     within RapidFireDelta of the incoming text and arrived within
//     RapidFireBurst -> ErrSpamRapid (secondary signal)
//
// The offending text is recorded even when flagged so the window stays
// accurate, and the history is trimmed to HistorySize on every insert,
// oldest first.
func (g *Guard) CheckSpam(connID, text string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	horizon := now.Add(-g.cfg.SpamHorizon)
	hist := g.history[connID]

	kept := hist[:0]
	for _, r := range hist {
		if r.at.After(horizon) {
			kept = append(kept, r)
		}
	}

	kept = append(kept, record{text: text, at: now})
	if len(kept) > g.cfg.HistorySize {
		kept = append(kept[:0], kept[len(kept)-g.cfg.HistorySize:]...)
	}
	g.history[connID] = kept

	identical := 0
	for _, r := range kept {
		if r.text == text {
			identical++
		}
	}
	if identical >= g.cfg.RepeatThreshold {
		return ErrSpamRepeated
	}

	if len(kept) >= g.cfg.RapidFireCount {
		burst := kept[len(kept)-g.cfg.RapidFireCount:]
		rapid := true
		for _, r := range burst {
			if abs(len(r.text)-len(text)) >= g.cfg.RapidFireDelta {
				rapid = false
				break
			}
			if now.Sub(r.at) > g.cfg.RapidFireBurst {
				rapid = false
				break
			}
		}
		if rapid {
			return ErrSpamRapid
		}
	}

	return nil
}

// Forget discards all rate and spam state for the connection. Called on
// disconnect; no entity may retain state for a destroyed connection.
func (g *Guard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.windows, connID)
	delete(g.history, connID)
}

// Tracked returns the number of connections with abuse state, for tests and
// monitoring.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.windows)
	if len(g.history) > n {
		n = len(g.history)
	}
	return n
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

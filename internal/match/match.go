// Package match implements the topic compatibility algorithm used to pair
// waiting connections. It is a pure function over queue snapshots; removal of
// the selected entry is the caller's responsibility so that selection and
// removal can be made atomic against the backing queue.
package match

import (
	"fmt"

	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/queue"
)

// Policy selects how two topic sets are judged compatible.
type Policy int

const (
	// PolicyOverlap matches when either side declared the wildcard topic or
	// the two sets intersect. This is the default.
	PolicyOverlap Policy = iota

	// PolicyExact matches only when the two topic sets are equal as sets,
	// independent of order.
	PolicyExact
)

// ParsePolicy converts a configuration string ("overlap" or "exact") into a
// Policy. Unknown values are an error so that a misconfigured deployment
// fails at startup instead of silently picking a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "overlap":
		return PolicyOverlap, nil
	case "exact":
		return PolicyExact, nil
	default:
		return PolicyOverlap, fmt.Errorf("match: unknown policy %q", s)
	}
}

// String returns the configuration name of the policy.
func (p Policy) String() string {
	if p == PolicyExact {
		return "exact"
	}
	return "overlap"
}

// Compatible reports whether two topic sets can be paired under the policy.
func Compatible(a, b []string, policy Policy) bool {
	switch policy {
	case PolicyExact:
		return equalAsSets(a, b)
	default:
		return wildcardOrOverlap(a, b)
	}
}

// FindCompatible scans entries oldest-first and returns the first entry
// compatible with the requester's topics, skipping the requester's own entry
// if present. The entries slice must already be ordered oldest-first (as
// returned by queue.Snapshot); earliest timestamp wins, ties broken by
// stable scan order.
func FindCompatible(requesterID string, topics []string, entries []queue.Entry, policy Policy) (queue.Entry, bool) {
	for _, e := range entries {
		if e.ConnID == requesterID {
			continue
		}
		if Compatible(topics, e.Topics, policy) {
			return e, true
		}
	}
	return queue.Entry{}, false
}

func wildcardOrOverlap(a, b []string) bool {
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		if t == protocol.WildcardTopic {
			return true
		}
		seen[t] = true
	}
	for _, t := range b {
		if t == protocol.WildcardTopic || seen[t] {
			return true
		}
	}
	return false
}

func equalAsSets(a, b []string) bool {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	if len(setA) != len(setB) {
		return false
	}
	for t := range setA {
		if !setB[t] {
			return false
		}
	}
	return true
}

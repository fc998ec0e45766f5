package match

import (
	"testing"
	"time"

	"github.com/driftchat/server/internal/queue"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    Policy
		wantErr bool
	}{
		{"", PolicyOverlap, false},
		{"overlap", PolicyOverlap, false},
		{"exact", PolicyExact, false},
		{"fuzzy", PolicyOverlap, true},
		{"EXACT", PolicyOverlap, true},
	}

	for _, tt := range tests {
		t.Run("input="+tt.input, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParsePolicy(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompatible_Overlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"shared topic", []string{"music", "gaming"}, []string{"gaming", "books"}, true},
		{"no overlap", []string{"music"}, []string{"books"}, false},
		{"wildcard left", []string{"Any"}, []string{"books"}, true},
		{"wildcard right", []string{"music"}, []string{"Any"}, true},
		{"both wildcard", []string{"Any"}, []string{"Any"}, true},
		{"wildcard among others", []string{"music", "Any"}, []string{"books"}, true},
		{"case sensitive topics", []string{"Music"}, []string{"music"}, false},
		{"empty versus topics", nil, []string{"music"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compatible(tt.a, tt.b, PolicyOverlap); got != tt.want {
				t.Errorf("Compatible(%v, %v, overlap) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Compatibility is symmetric.
			if got := Compatible(tt.b, tt.a, PolicyOverlap); got != tt.want {
				t.Errorf("Compatible(%v, %v, overlap) = %v, want %v (symmetry)", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestCompatible_Exact(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want bool
	}{
		{"same order", []string{"music", "gaming"}, []string{"music", "gaming"}, true},
		{"different order", []string{"music", "gaming"}, []string{"gaming", "music"}, true},
		{"duplicates ignored", []string{"music", "music"}, []string{"music"}, true},
		{"subset", []string{"music"}, []string{"music", "gaming"}, false},
		{"disjoint", []string{"music"}, []string{"books"}, false},
		{"wildcard is literal under exact", []string{"Any"}, []string{"music"}, false},
		{"wildcard equals wildcard", []string{"Any"}, []string{"Any"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compatible(tt.a, tt.b, PolicyExact); got != tt.want {
				t.Errorf("Compatible(%v, %v, exact) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFindCompatible_OldestWins(t *testing.T) {
	base := time.Now()
	entries := []queue.Entry{
		{ConnID: "bob", Topics: []string{"gaming"}, JoinedAt: base},
		{ConnID: "carol", Topics: []string{"gaming"}, JoinedAt: base.Add(time.Second)},
	}

	e, ok := FindCompatible("alice", []string{"gaming"}, entries, PolicyOverlap)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.ConnID != "bob" {
		t.Errorf("expected oldest entry bob, got %s", e.ConnID)
	}
}

func TestFindCompatible_SkipsSelf(t *testing.T) {
	entries := []queue.Entry{
		{ConnID: "alice", Topics: []string{"gaming"}, JoinedAt: time.Now()},
	}

	if _, ok := FindCompatible("alice", []string{"gaming"}, entries, PolicyOverlap); ok {
		t.Error("a connection must not match itself")
	}
}

func TestFindCompatible_SkipsIncompatible(t *testing.T) {
	base := time.Now()
	entries := []queue.Entry{
		{ConnID: "bob", Topics: []string{"books"}, JoinedAt: base},
		{ConnID: "carol", Topics: []string{"gaming"}, JoinedAt: base.Add(time.Second)},
	}

	e, ok := FindCompatible("alice", []string{"gaming"}, entries, PolicyOverlap)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.ConnID != "carol" {
		t.Errorf("expected carol (first compatible), got %s", e.ConnID)
	}
}

func TestFindCompatible_EmptyQueue(t *testing.T) {
	if _, ok := FindCompatible("alice", []string{"gaming"}, nil, PolicyOverlap); ok {
		t.Error("expected no match from an empty queue")
	}
}

func TestFindCompatible_WildcardRequesterTakesOldest(t *testing.T) {
	base := time.Now()
	entries := []queue.Entry{
		{ConnID: "bob", Topics: []string{"books"}, JoinedAt: base},
		{ConnID: "carol", Topics: []string{"gaming"}, JoinedAt: base.Add(time.Second)},
	}

	e, ok := FindCompatible("alice", []string{"Any"}, entries, PolicyOverlap)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.ConnID != "bob" {
		t.Errorf("wildcard should take the oldest waiter, got %s", e.ConnID)
	}
}

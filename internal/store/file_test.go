package store

import (
	"context"
	"testing"
	"time"

	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/stats"
)

func TestFileStore_InitializesEmptyFiles(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	entries, err := s.LoadWaiting(ctx)
	if err != nil {
		t.Fatalf("load waiting: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("fresh store should have no entries, got %v", entries)
	}

	p, err := s.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if p != (stats.Persisted{}) {
		t.Errorf("fresh store should have zero stats, got %+v", p)
	}
}

func TestFileStore_WaitingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	joined := time.Now().Truncate(time.Millisecond)
	entries := []queue.Entry{
		{ConnID: "alice", Topics: []string{"music", "gaming"}, JoinedAt: joined},
		{ConnID: "bob", Topics: []string{"Any"}, JoinedAt: joined.Add(time.Second)},
	}
	if err := s.SaveWaiting(ctx, entries); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Reopen the directory as a restart would.
	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.LoadWaiting(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(got))
	}
	if got[0].ConnID != "alice" || got[1].ConnID != "bob" {
		t.Errorf("order not preserved: %v", got)
	}
	if len(got[0].Topics) != 2 || got[0].Topics[0] != "music" {
		t.Errorf("topics not preserved: %v", got[0].Topics)
	}
	if !got[0].JoinedAt.Equal(joined) {
		t.Errorf("JoinedAt = %v, want %v", got[0].JoinedAt, joined)
	}
}

func TestFileStore_SaveNilWritesEmptyList(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if err := s.SaveWaiting(ctx, nil); err != nil {
		t.Fatalf("save nil: %v", err)
	}
	got, err := s.LoadWaiting(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty queue, got %v", got)
	}
}

func TestFileStore_StatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	p := stats.Persisted{TotalConnections: 42, TotalMatches: 7, MessagesCount: 999, LastUpdated: 1234}
	if err := s.SaveStats(ctx, p); err != nil {
		t.Fatalf("save stats: %v", err)
	}

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.LoadStats(ctx)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if got != p {
		t.Errorf("LoadStats = %+v, want %+v", got, p)
	}
}

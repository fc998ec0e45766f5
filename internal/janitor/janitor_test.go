package janitor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingEvictor struct {
	mu      sync.Mutex
	cutoffs []time.Time
	evicted int
}

func (r *recordingEvictor) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return r.evicted
}

func (r *recordingEvictor) calls() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.cutoffs...)
}

func TestSweep_UsesMaxAgeCutoff(t *testing.T) {
	ev := &recordingEvictor{evicted: 2}
	j := New(Config{Interval: time.Minute, MaxAge: 5 * time.Minute}, ev)

	now := time.Now()
	j.Sweep(now)

	calls := ev.calls()
	if len(calls) != 1 {
		t.Fatalf("evictor called %d times, want 1", len(calls))
	}
	want := now.Add(-5 * time.Minute)
	if !calls[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", calls[0], want)
	}
}

func TestRun_SweepsOnIntervalAndStops(t *testing.T) {
	ev := &recordingEvictor{}
	j := New(Config{Interval: 10 * time.Millisecond, MaxAge: time.Minute}, ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if n := len(ev.calls()); n < 2 {
		t.Errorf("expected multiple sweeps, got %d", n)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", cfg.Interval)
	}
	if cfg.MaxAge != 5*time.Minute {
		t.Errorf("MaxAge = %v, want 5m", cfg.MaxAge)
	}
}

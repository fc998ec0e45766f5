package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/stats"
)

const (
	queueFileName = "queue.json"
	statsFileName = "stats.json"
)

// FileStore persists the waiting queue and stats counters as JSON files in a
// data directory. Suitable for single-instance deployments that want totals
// and the queue to survive a restart without running an external store.
type FileStore struct {
	mu        sync.Mutex
	queueFile string
	statsFile string
}

// NewFileStore creates the data directory if needed and initializes empty
// files on first run.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	s := &FileStore{
		queueFile: filepath.Join(dir, queueFileName),
		statsFile: filepath.Join(dir, statsFileName),
	}

	if _, err := os.Stat(s.queueFile); os.IsNotExist(err) {
		if err := os.WriteFile(s.queueFile, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("store: init queue file: %w", err)
		}
	}
	if _, err := os.Stat(s.statsFile); os.IsNotExist(err) {
		empty, _ := json.Marshal(stats.Persisted{})
		if err := os.WriteFile(s.statsFile, empty, 0o644); err != nil {
			return nil, fmt.Errorf("store: init stats file: %w", err)
		}
	}

	return s, nil
}

// LoadWaiting reads the persisted waiting entries.
func (s *FileStore) LoadWaiting(ctx context.Context) ([]queue.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.queueFile)
	if err != nil {
		return nil, fmt.Errorf("store: read queue file: %w", err)
	}

	var entries []queue.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("store: decode queue file: %w", err)
	}
	return entries, nil
}

// SaveWaiting writes the snapshot atomically via a temp file rename, so a
// crash mid-write never leaves a truncated queue file.
func (s *FileStore) SaveWaiting(ctx context.Context, entries []queue.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries == nil {
		entries = []queue.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: encode queue: %w", err)
	}
	return s.writeAtomic(s.queueFile, data)
}

// LoadStats reads the persisted counters.
func (s *FileStore) LoadStats(ctx context.Context) (stats.Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p stats.Persisted
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return p, fmt.Errorf("store: read stats file: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("store: decode stats file: %w", err)
	}
	return p, nil
}

// SaveStats writes the counters atomically.
func (s *FileStore) SaveStats(ctx context.Context, p stats.Persisted) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode stats: %w", err)
	}
	return s.writeAtomic(s.statsFile, data)
}

// Close is a no-op; files are written synchronously.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

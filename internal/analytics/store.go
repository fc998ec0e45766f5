// Package analytics provides PostgreSQL-backed retention of rooms and
// relayed messages for backend analysis. It is not a user-facing feature:
// nothing is ever read back into the chat path, writes are fire-and-forget,
// and a nil *Store disables the whole package, so the relay works without a
// database.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Store writes room and message records to PostgreSQL. All methods are
// nil-receiver safe.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and applies pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// RecordRoom inserts a room row when a match creates it. Errors are logged,
// never propagated: analytics must not break matchmaking.
func (s *Store) RecordRoom(ctx context.Context, roomID string, topics []string) {
	if s == nil {
		return
	}

	const query = `
		INSERT INTO chat_rooms (id, topics, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, roomID, joinTopics(topics)); err != nil {
		log.Printf("[analytics] record room %s: %v", roomID, err)
	}
}

// CloseRoom marks a room closed when it is torn down.
func (s *Store) CloseRoom(ctx context.Context, roomID string) {
	if s == nil {
		return
	}

	const query = `
		UPDATE chat_rooms
		SET status = 'closed', updated_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, roomID); err != nil {
		log.Printf("[analytics] close room %s: %v", roomID, err)
	}
}

// RecordMessage stores a relayed message for later analysis.
func (s *Store) RecordMessage(ctx context.Context, roomID, senderID, text string) {
	if s == nil {
		return
	}

	const query = `
		INSERT INTO messages (room_id, sender_id, message_text)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, roomID, senderID, text); err != nil {
		log.Printf("[analytics] record message room=%s: %v", roomID, err)
	}
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func joinTopics(topics []string) string {
	out := ""
	for i, t := range topics {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

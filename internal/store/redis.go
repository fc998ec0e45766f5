package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/stats"
)

// Redis key patterns for the waiting queue and stats counters.
const (
	keyWaitingQueue  = "chat:waiting"       // sorted set, score = join timestamp (ms)
	keyWaitingPrefix = "chat:waiting_user:" // + <conn_id> -> hash {topics, joined_at}
	keyRoomPrefix    = "chat:room:"         // + <room_id> -> hash {member_a, member_b}
	keyRoomOfPrefix  = "chat:room_of:"      // + <conn_id> -> room_id
	keyStats         = "chat:stats"         // hash of counters

	// waitingTTL bounds how long per-entry hashes survive if an instance
	// dies without cleaning up; the janitor evicts well before this.
	waitingTTL = 30 * time.Minute

	// roomTTL bounds how long room records survive if the hosting instances
	// die without tearing the room down.
	roomTTL = 24 * time.Hour
)

// RedisStore persists the waiting queue and stats in Redis. The queue is a
// sorted set scored by join time plus one hash per entry; RemoveIfPresent
// uses the ZREM reply count as the atomic claim, which makes the adapter
// safe to share between multiple service instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis at addr and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// LoadWaiting returns all persisted entries ordered oldest-first. Entries
// whose per-connection hash has expired are skipped.
func (s *RedisStore) LoadWaiting(ctx context.Context) ([]queue.Entry, error) {
	ids, err := s.rdb.ZRange(ctx, keyWaitingQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: zrange waiting: %w", err)
	}

	entries := make([]queue.Entry, 0, len(ids))
	for _, id := range ids {
		fields, err := s.rdb.HGetAll(ctx, keyWaitingPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("store: hgetall %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Hash expired; drop the stale member so the sorted set does
			// not accumulate dead ids. Best effort.
			s.rdb.ZRem(ctx, keyWaitingQueue, id)
			continue
		}

		var topics []string
		if fields["topics"] != "" {
			topics = strings.Split(fields["topics"], ",")
		}
		var joinedMs int64
		fmt.Sscanf(fields["joined_at"], "%d", &joinedMs)

		entries = append(entries, queue.Entry{
			ConnID:   id,
			Topics:   topics,
			JoinedAt: time.UnixMilli(joinedMs),
		})
	}
	return entries, nil
}

// SaveWaiting replaces the persisted queue with the snapshot in a single
// pipeline: the sorted set is rebuilt and a hash is written per entry.
func (s *RedisStore) SaveWaiting(ctx context.Context, entries []queue.Entry) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyWaitingQueue)

	for _, e := range entries {
		ms := e.JoinedAt.UnixMilli()
		pipe.ZAdd(ctx, keyWaitingQueue, redis.Z{
			Score:  float64(ms),
			Member: e.ConnID,
		})
		entryKey := keyWaitingPrefix + e.ConnID
		pipe.HSet(ctx, entryKey, map[string]interface{}{
			"topics":    strings.Join(e.Topics, ","),
			"joined_at": ms,
		})
		pipe.Expire(ctx, entryKey, waitingTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save waiting: %w", err)
	}
	return nil
}

// AddWaiting writes one entry into the shared queue without rebuilding it,
// so concurrent writes from other instances survive.
func (s *RedisStore) AddWaiting(ctx context.Context, e queue.Entry) error {
	ms := e.JoinedAt.UnixMilli()
	entryKey := keyWaitingPrefix + e.ConnID

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyWaitingQueue, redis.Z{
		Score:  float64(ms),
		Member: e.ConnID,
	})
	pipe.HSet(ctx, entryKey, map[string]interface{}{
		"topics":    strings.Join(e.Topics, ","),
		"joined_at": ms,
	})
	pipe.Expire(ctx, entryKey, waitingTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: add waiting %s: %w", e.ConnID, err)
	}
	return nil
}

// RemoveIfPresent atomically claims the entry for connID. ZREM returns the
// number of members actually removed, so only one caller can observe 1 for
// a given entry; everyone else lost the race and must pick another
// candidate. This is the conditional remove required for correctness when
// the store is shared between instances.
func (s *RedisStore) RemoveIfPresent(ctx context.Context, connID string) (bool, error) {
	removed, err := s.rdb.ZRem(ctx, keyWaitingQueue, connID).Result()
	if err != nil {
		return false, fmt.Errorf("store: zrem %s: %w", connID, err)
	}
	if removed == 0 {
		return false, nil
	}

	// Best effort: the hash expires on its own if this fails.
	s.rdb.Del(ctx, keyWaitingPrefix+connID)
	return true, nil
}

// SaveRoom records an active room and both memberships in one pipeline.
func (s *RedisStore) SaveRoom(ctx context.Context, roomID, memberA, memberB string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyRoomPrefix+roomID, map[string]interface{}{
		"member_a": memberA,
		"member_b": memberB,
	})
	pipe.Expire(ctx, keyRoomPrefix+roomID, roomTTL)
	pipe.Set(ctx, keyRoomOfPrefix+memberA, roomID, roomTTL)
	pipe.Set(ctx, keyRoomOfPrefix+memberB, roomID, roomTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save room %s: %w", roomID, err)
	}
	return nil
}

// LookupRoom returns the room's members, or ok=false if the room record is
// gone.
func (s *RedisStore) LookupRoom(ctx context.Context, roomID string) (string, string, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, keyRoomPrefix+roomID).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("store: hgetall room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return "", "", false, nil
	}
	return fields["member_a"], fields["member_b"], true, nil
}

// RoomOfMember returns the room the connection belongs to.
func (s *RedisStore) RoomOfMember(ctx context.Context, connID string) (string, bool, error) {
	roomID, err := s.rdb.Get(ctx, keyRoomOfPrefix+connID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: room of %s: %w", connID, err)
	}
	return roomID, true, nil
}

// RemoveRoom deletes the room record and both memberships. Absent rooms are
// a no-op.
func (s *RedisStore) RemoveRoom(ctx context.Context, roomID string) error {
	memberA, memberB, ok, err := s.LookupRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyRoomPrefix+roomID)
	pipe.Del(ctx, keyRoomOfPrefix+memberA)
	pipe.Del(ctx, keyRoomOfPrefix+memberB)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: remove room %s: %w", roomID, err)
	}
	return nil
}

// LoadStats reads the persisted counters; missing fields read as zero.
func (s *RedisStore) LoadStats(ctx context.Context) (stats.Persisted, error) {
	var p stats.Persisted
	fields, err := s.rdb.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return p, fmt.Errorf("store: hgetall stats: %w", err)
	}

	fmt.Sscanf(fields["total_connections"], "%d", &p.TotalConnections)
	fmt.Sscanf(fields["total_matches"], "%d", &p.TotalMatches)
	fmt.Sscanf(fields["messages_count"], "%d", &p.MessagesCount)
	fmt.Sscanf(fields["last_updated"], "%d", &p.LastUpdated)
	return p, nil
}

// SaveStats writes the counters.
func (s *RedisStore) SaveStats(ctx context.Context, p stats.Persisted) error {
	err := s.rdb.HSet(ctx, keyStats, map[string]interface{}{
		"total_connections": p.TotalConnections,
		"total_matches":     p.TotalMatches,
		"messages_count":    p.MessagesCount,
		"last_updated":      p.LastUpdated,
	}).Err()
	if err != nil {
		return fmt.Errorf("store: save stats: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

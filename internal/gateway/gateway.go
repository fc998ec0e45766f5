// Package gateway is the component every external event funnels through. On
// join, message, and disconnect events it drives the matcher, room manager,
// and abuse guard in sequence and emits outbound events to the affected
// connections through the notify capability. All collaborators are injected
// at construction; there is no global state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/driftchat/server/internal/abuse"
	"github.com/driftchat/server/internal/analytics"
	"github.com/driftchat/server/internal/match"
	"github.com/driftchat/server/internal/metrics"
	"github.com/driftchat/server/internal/notify"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/room"
	"github.com/driftchat/server/internal/stats"
	"github.com/driftchat/server/internal/store"
)

// ErrEmptyTopics is returned by Join when the topic set is empty after
// normalization.
var ErrEmptyTopics = errors.New("gateway: empty topic set")

// Config holds gateway tuning parameters.
type Config struct {
	Policy       match.Policy  // topic compatibility policy
	StoreTimeout time.Duration // bound on every persistence call
	SharedStore  bool          // store is shared by multiple instances
}

// DefaultConfig returns the single-instance defaults.
func DefaultConfig() Config {
	return Config{
		Policy:       match.PolicyOverlap,
		StoreTimeout: 3 * time.Second,
		SharedStore:  false,
	}
}

// Gateway orchestrates the matchmaking-and-relay core for one service
// instance.
type Gateway struct {
	cfg       Config
	queue     *queue.Queue
	rooms     *room.Manager
	guard     *abuse.Guard
	stats     *stats.Collector
	notifier  notify.Notifier
	store     store.Store
	analytics *analytics.Store // nil disables analytics
}

// New wires a Gateway from its collaborators. The analytics store may be
// nil.
func New(cfg Config, q *queue.Queue, rooms *room.Manager, guard *abuse.Guard,
	collector *stats.Collector, notifier notify.Notifier, st store.Store,
	an *analytics.Store) *Gateway {
	return &Gateway{
		cfg:       cfg,
		queue:     q,
		rooms:     rooms,
		guard:     guard,
		stats:     collector,
		notifier:  notifier,
		store:     st,
		analytics: an,
	}
}

// ConnectionOpened records a new client connection for the stats counters.
func (g *Gateway) ConnectionOpened(connID string) {
	g.stats.ConnectionSeen()
	log.Printf("[gateway] connection opened conn=%s", connID)
}

// Join enters the connection into matchmaking with the given topics. If a
// compatible partner is already waiting, a room is created and both
// connections receive a matched event; otherwise the connection is
// enqueued. Re-joining while waiting replaces the previous entry with the
// new topics. Joining while already in a room is a conflict treated as a
// no-op; the caller gets room.ErrAlreadyInRoom as a typed outcome but the
// client sees no hard failure.
func (g *Gateway) Join(connID string, topics []string) error {
	topics = normalizeTopics(topics)
	if len(topics) == 0 {
		g.send(connID, protocol.TypeError, protocol.ErrorMsg{
			Code: "invalid_topics", Message: "topic set must not be empty",
		})
		return ErrEmptyTopics
	}

	if g.inRoom(connID) {
		log.Printf("[gateway] join ignored, conn=%s already in a room", connID)
		return room.ErrAlreadyInRoom
	}

	// A re-join while waiting updates the topics: drop the old entry before
	// scanning so the connection never matches itself or appears twice.
	g.claim(connID)

	now := time.Now()

	for _, e := range g.candidates() {
		if e.ConnID == connID {
			continue
		}
		if !match.Compatible(topics, e.Topics, g.cfg.Policy) {
			continue
		}

		// Selecting and removing the partner is one logical operation:
		// claim is a conditional remove, so a concurrent join (or another
		// instance on a shared store) that already took this entry makes
		// us move on to the next candidate instead of double-matching.
		if !g.claim(e.ConnID) {
			continue
		}

		roomID, err := g.rooms.Create(connID, e.ConnID)
		if err != nil {
			log.Printf("[gateway] room create failed conn=%s partner=%s: %v", connID, e.ConnID, err)
			// The partner was already claimed out of the queue; put the
			// entry back so it is not silently lost.
			if enqErr := g.queue.Enqueue(e.ConnID, e.Topics, e.JoinedAt); enqErr == nil {
				g.persistEnqueue(e)
			}
			continue
		}

		g.stats.MatchMade()
		metrics.MatchesTotal.Inc()
		// In shared mode the claims above already removed the entries from
		// the store; a snapshot rebuild would clobber other instances.
		if !g.cfg.SharedStore {
			g.persistWaiting()
		}
		g.persistRoom(roomID, connID, e.ConnID)
		g.recordRoom(roomID, topics)

		g.send(connID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: roomID})
		g.send(e.ConnID, protocol.TypeMatched, protocol.MatchedMsg{RoomID: roomID})

		log.Printf("[gateway] matched conn=%s partner=%s room=%s", connID, e.ConnID, roomID)
		return nil
	}

	if err := g.queue.Enqueue(connID, topics, now); err != nil {
		// The claim above removed any previous entry, so Enqueue only
		// refuses if another goroutine raced this join.
		return fmt.Errorf("gateway: enqueue %s: %w", connID, err)
	}
	g.persistEnqueue(queue.Entry{ConnID: connID, Topics: topics, JoinedAt: now})

	log.Printf("[gateway] waiting conn=%s topics=%v (queue size: %d)", connID, topics, g.queue.Len())
	return nil
}

// SendMessage relays text from the sender to the other member of roomID.
// The message passes validation, the rate limiter, and the spam detector
// before relay; every rejection is soft — the sender is informed and the
// connection stays open. The sender never receives their own message back.
func (g *Gateway) SendMessage(connID, roomID, text string) {
	now := time.Now()

	if text == "" {
		g.send(connID, protocol.TypeError, protocol.ErrorMsg{
			Code: "empty_message", Message: "message must not be empty",
		})
		return
	}
	if utf8.RuneCountInString(text) > protocol.MaxMessageChars {
		metrics.MessagesTotal.WithLabelValues("too_long").Inc()
		g.send(connID, protocol.TypeMessageTooLong, protocol.RejectionMsg{
			Message: fmt.Sprintf("Message too long (max %d characters)", protocol.MaxMessageChars),
		})
		return
	}

	peerID, ok := g.resolvePeer(connID, roomID)
	if !ok {
		g.send(connID, protocol.TypeError, protocol.ErrorMsg{
			Code: "invalid_room", Message: "not a member of an active room",
		})
		return
	}

	if err := g.guard.CheckRate(connID, now); err != nil {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		g.send(connID, protocol.TypeRateLimited, protocol.RejectionMsg{
			Message: "Too many messages, slow down!",
		})
		return
	}

	if err := g.guard.CheckSpam(connID, text, now); err != nil {
		metrics.MessagesTotal.WithLabelValues("spam").Inc()
		g.send(connID, protocol.TypeSpamDetected, protocol.RejectionMsg{
			Message: spamReason(err),
		})
		return
	}

	g.send(peerID, protocol.TypeMessage, protocol.ServerChatMsg{
		Sender:    connID,
		Message:   text,
		Timestamp: now.UnixMilli(),
	})

	g.stats.MessageRelayed()
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	g.recordMessage(roomID, connID, text)
}

// Disconnect removes the connection from every structure that references
// it: the waiting queue (no-op if absent), its room (the remaining peer is
// told), and the abuse guard. It is idempotent; a second call does nothing
// and emits nothing.
func (g *Gateway) Disconnect(connID string) {
	if g.claim(connID) && !g.cfg.SharedStore {
		g.persistWaiting()
	}

	if peerID, roomID, ok := g.rooms.Remove(connID); ok {
		g.send(peerID, protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{})
		g.removeSharedRoom(roomID)
		g.closeRoom(roomID)
		log.Printf("[gateway] conn=%s left room=%s, peer=%s notified", connID, roomID, peerID)
	} else if peerID, roomID, ok := g.teardownRemoteRoom(connID); ok {
		// The room was created by another instance; the local table never
		// had it. The peer is reached through the notifier relay.
		g.send(peerID, protocol.TypePeerDisconnected, protocol.PeerDisconnectedMsg{})
		g.closeRoom(roomID)
		log.Printf("[gateway] conn=%s left room=%s, peer=%s notified", connID, roomID, peerID)
	}

	g.guard.Forget(connID)
}

// EvictStale removes waiting entries older than cutoff, notifies the
// evicted connections so their clients can re-join, and returns the number
// evicted. Called by the janitor on its own timer.
func (g *Gateway) EvictStale(cutoff time.Time) int {
	evicted := g.queue.EvictOlderThan(cutoff)
	if len(evicted) == 0 {
		return 0
	}

	if g.cfg.SharedStore {
		for _, e := range evicted {
			g.removeFromStore(e.ConnID)
		}
	} else {
		g.persistWaiting()
	}

	for _, e := range evicted {
		metrics.QueueEvictions.Inc()
		g.send(e.ConnID, protocol.TypeError, protocol.ErrorMsg{
			Code: "queue_timeout", Message: "removed from queue after waiting too long",
		})
	}
	return len(evicted)
}

// WarmStart seeds the waiting queue and stats counters from the store at
// startup. A failed load is logged and the gateway starts empty.
func (g *Gateway) WarmStart() {
	ctx, cancel := g.storeCtx()
	defer cancel()

	if entries, err := g.store.LoadWaiting(ctx); err != nil {
		log.Printf("[gateway] load waiting failed, starting empty: %v", err)
	} else if len(entries) > 0 {
		g.queue.Replace(entries)
		log.Printf("[gateway] restored %d waiting entries", len(entries))
	}

	if p, err := g.store.LoadStats(ctx); err != nil {
		log.Printf("[gateway] load stats failed, starting at zero: %v", err)
	} else {
		g.stats.Restore(p)
	}
}

// FlushStats persists the stats counters through the store.
func (g *Gateway) FlushStats() {
	ctx, cancel := g.storeCtx()
	defer cancel()

	if err := g.store.SaveStats(ctx, g.stats.Persisted()); err != nil {
		log.Printf("[gateway] save stats failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// candidates returns the waiting entries to scan, oldest first. With a
// shared store the persisted queue is authoritative (it includes waiters on
// other instances); on store failure the scan degrades to the local
// in-memory queue.
func (g *Gateway) candidates() []queue.Entry {
	if g.cfg.SharedStore {
		ctx, cancel := g.storeCtx()
		defer cancel()

		entries, err := g.store.LoadWaiting(ctx)
		if err == nil {
			return entries
		}
		log.Printf("[gateway] shared store unavailable, matching against local queue: %v", err)
	}
	return g.queue.Snapshot()
}

// sharedRooms returns the shared room table when cross-instance mode is on
// and the store supports it.
func (g *Gateway) sharedRooms() (store.SharedRoomStore, bool) {
	if !g.cfg.SharedStore {
		return nil, false
	}
	rs, ok := g.store.(store.SharedRoomStore)
	return rs, ok
}

// inRoom reports whether the connection is in an active room. With a shared
// store the shared room table is authoritative: a member whose room was torn
// down on another instance learns here that it is gone, and any stale local
// leftover is dropped so the connection can wait again.
func (g *Gateway) inRoom(connID string) bool {
	rs, ok := g.sharedRooms()
	if !ok {
		return g.rooms.RoomOf(connID) != nil
	}

	ctx, cancel := g.storeCtx()
	defer cancel()

	_, found, err := rs.RoomOfMember(ctx, connID)
	if err != nil {
		log.Printf("[gateway] room lookup for conn=%s failed, using local table: %v", connID, err)
		return g.rooms.RoomOf(connID) != nil
	}
	if found {
		return true
	}
	if _, stale, ok := g.rooms.Remove(connID); ok {
		log.Printf("[gateway] dropped stale local room=%s for conn=%s", stale, connID)
	}
	return false
}

// resolvePeer returns the other member of roomID if connID is a member. The
// local table answers for rooms this instance created; rooms created on
// another instance resolve through the shared room table.
func (g *Gateway) resolvePeer(connID, roomID string) (string, bool) {
	if r := g.rooms.Get(roomID); r != nil {
		if !r.IsMember(connID) {
			return "", false
		}
		return r.Peer(connID), true
	}

	rs, ok := g.sharedRooms()
	if !ok {
		return "", false
	}

	ctx, cancel := g.storeCtx()
	defer cancel()

	memberA, memberB, found, err := rs.LookupRoom(ctx, roomID)
	if err != nil {
		log.Printf("[gateway] lookup room=%s failed: %v", roomID, err)
		return "", false
	}
	if !found {
		return "", false
	}
	switch connID {
	case memberA:
		return memberB, true
	case memberB:
		return memberA, true
	}
	return "", false
}

// persistRoom records a new room in the shared table so the peer's host
// instance can resolve it. Failures are logged; local relay still works.
func (g *Gateway) persistRoom(roomID, memberA, memberB string) {
	rs, ok := g.sharedRooms()
	if !ok {
		return
	}

	ctx, cancel := g.storeCtx()
	defer cancel()

	if err := rs.SaveRoom(ctx, roomID, memberA, memberB); err != nil {
		log.Printf("[gateway] save room=%s failed: %v", roomID, err)
	}
}

// removeSharedRoom drops a locally-removed room from the shared table, best
// effort.
func (g *Gateway) removeSharedRoom(roomID string) {
	rs, ok := g.sharedRooms()
	if !ok {
		return
	}

	ctx, cancel := g.storeCtx()
	defer cancel()

	if err := rs.RemoveRoom(ctx, roomID); err != nil {
		log.Printf("[gateway] remove room=%s from store: %v", roomID, err)
	}
}

// teardownRemoteRoom handles disconnect for a member of a room created on
// another instance: it resolves the room through the shared table, deletes
// it, and returns the peer to notify.
func (g *Gateway) teardownRemoteRoom(connID string) (peerID, roomID string, ok bool) {
	rs, sok := g.sharedRooms()
	if !sok {
		return "", "", false
	}

	ctx, cancel := g.storeCtx()
	defer cancel()

	roomID, found, err := rs.RoomOfMember(ctx, connID)
	if err != nil {
		log.Printf("[gateway] room lookup for conn=%s failed: %v", connID, err)
		return "", "", false
	}
	if !found {
		return "", "", false
	}

	memberA, memberB, found, err := rs.LookupRoom(ctx, roomID)
	if err != nil || !found {
		return "", "", false
	}
	if err := rs.RemoveRoom(ctx, roomID); err != nil {
		log.Printf("[gateway] remove room=%s from store: %v", roomID, err)
	}

	peerID = memberA
	if connID == memberA {
		peerID = memberB
	}
	return peerID, roomID, true
}

// claim conditionally removes the waiting entry for connID and reports
// whether this caller owned the removal. Locally the queue's Dequeue is the
// conditional remove; on a shared store RemoveIfPresent decides, so two
// instances can never both claim the same entry. Store errors degrade to
// the local result.
func (g *Gateway) claim(connID string) bool {
	_, local := g.queue.Dequeue(connID)

	if g.cfg.SharedStore {
		if cr, ok := g.store.(store.ConditionalRemover); ok {
			ctx, cancel := g.storeCtx()
			defer cancel()

			claimed, err := cr.RemoveIfPresent(ctx, connID)
			if err != nil {
				log.Printf("[gateway] conditional remove %s failed, using local claim: %v", connID, err)
				return local
			}
			return claimed
		}
	}
	return local
}

// persistWaiting writes the current queue snapshot through the store. The
// snapshot is taken first so no queue lock is held across I/O; failures are
// logged and the gateway continues in-memory only.
func (g *Gateway) persistWaiting() {
	snapshot := g.queue.Snapshot()

	ctx, cancel := g.storeCtx()
	defer cancel()

	if err := g.store.SaveWaiting(ctx, snapshot); err != nil {
		log.Printf("[gateway] save waiting failed, continuing in-memory: %v", err)
	}
}

// persistEnqueue writes one new waiting entry through the store. Shared
// stores get an incremental add so entries from other instances survive;
// otherwise the whole snapshot is rewritten.
func (g *Gateway) persistEnqueue(e queue.Entry) {
	if g.cfg.SharedStore {
		if iw, ok := g.store.(store.IncrementalWriter); ok {
			ctx, cancel := g.storeCtx()
			defer cancel()

			if err := iw.AddWaiting(ctx, e); err != nil {
				log.Printf("[gateway] add waiting %s failed, continuing in-memory: %v", e.ConnID, err)
			}
			return
		}
	}
	g.persistWaiting()
}

// removeFromStore drops one entry from a shared store, best effort.
func (g *Gateway) removeFromStore(connID string) {
	cr, ok := g.store.(store.ConditionalRemover)
	if !ok {
		return
	}
	ctx, cancel := g.storeCtx()
	defer cancel()

	if _, err := cr.RemoveIfPresent(ctx, connID); err != nil {
		log.Printf("[gateway] remove %s from store: %v", connID, err)
	}
}

func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s for conn=%s: %v", msgType, connID, err)
		return
	}
	if err := g.notifier.Notify(connID, data); err != nil {
		log.Printf("[gateway] notify conn=%s type=%s: %v", connID, msgType, err)
	}
}

func (g *Gateway) recordRoom(roomID string, topics []string) {
	ctx, cancel := g.storeCtx()
	defer cancel()
	g.analytics.RecordRoom(ctx, roomID, topics)
}

func (g *Gateway) recordMessage(roomID, senderID, text string) {
	ctx, cancel := g.storeCtx()
	defer cancel()
	g.analytics.RecordMessage(ctx, roomID, senderID, text)
}

func (g *Gateway) closeRoom(roomID string) {
	ctx, cancel := g.storeCtx()
	defer cancel()
	g.analytics.CloseRoom(ctx, roomID)
}

func (g *Gateway) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.StoreTimeout)
}

func normalizeTopics(topics []string) []string {
	out := topics[:0:0]
	for _, t := range topics {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func spamReason(err error) string {
	if errors.Is(err, abuse.ErrSpamRapid) {
		return "Spam detected: messages sent too quickly"
	}
	return "Spam detected, message blocked"
}

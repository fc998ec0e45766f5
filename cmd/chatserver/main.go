package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/driftchat/server/internal/abuse"
	"github.com/driftchat/server/internal/analytics"
	"github.com/driftchat/server/internal/gateway"
	"github.com/driftchat/server/internal/httpapi"
	"github.com/driftchat/server/internal/janitor"
	"github.com/driftchat/server/internal/match"
	"github.com/driftchat/server/internal/metrics"
	"github.com/driftchat/server/internal/notify"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/queue"
	"github.com/driftchat/server/internal/room"
	"github.com/driftchat/server/internal/stats"
	"github.com/driftchat/server/internal/store"
	"github.com/driftchat/server/internal/ws"
)

func main() {
	wsConfig := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		wsConfig.ListenAddr = addr
	}
	if n, ok := envInt("WORKER_POOL_SIZE"); ok {
		wsConfig.WorkerPoolSize = n
	}
	if n, ok := envInt("MAX_CONNECTIONS"); ok {
		wsConfig.MaxConnections = n
	}
	if d, ok := envDuration("READ_TIMEOUT"); ok {
		wsConfig.ReadTimeout = d
	}
	if d, ok := envDuration("WRITE_TIMEOUT"); ok {
		wsConfig.WriteTimeout = d
	}

	// --- Matching policy ---
	policy, err := match.ParsePolicy(os.Getenv("MATCH_POLICY"))
	if err != nil {
		log.Fatalf("invalid MATCH_POLICY: %v", err)
	}

	// --- Persistence backend ---
	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "file"
	}

	var st store.Store
	switch backend {
	case "memory":
		st = store.NewMemoryStore()
	case "file":
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		st, err = store.NewFileStore(dataDir)
		if err != nil {
			log.Fatalf("failed to open file store: %v", err)
		}
	case "redis":
		redisAddr := os.Getenv("REDIS_ADDR")
		if redisAddr == "" {
			redisAddr = "localhost:6379"
		}
		st, err = store.NewRedisStore(redisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
	default:
		log.Fatalf("invalid STORE_BACKEND: %q (want memory, file, or redis)", backend)
	}

	// --- Notification variant ---
	notifyMode := os.Getenv("NOTIFY_MODE")
	if notifyMode == "" {
		notifyMode = "local"
	}
	if notifyMode != "local" && notifyMode != "nats" {
		log.Fatalf("invalid NOTIFY_MODE: %q (want local or nats)", notifyMode)
	}

	// --- Analytics (optional) ---
	var analyticsStore *analytics.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		analyticsStore, err = analytics.Open(dsn)
		if err != nil {
			log.Fatalf("failed to open analytics database: %v", err)
		}
		log.Printf("[analytics] connected")
	}

	// --- Janitor / stats flush ---
	janitorConfig := janitor.DefaultConfig()
	if d, ok := envDuration("JANITOR_INTERVAL"); ok {
		janitorConfig.Interval = d
	}
	if d, ok := envDuration("QUEUE_MAX_AGE"); ok {
		janitorConfig.MaxAge = d
	}
	statsFlushInterval := time.Minute
	if d, ok := envDuration("STATS_FLUSH_INTERVAL"); ok {
		statsFlushInterval = d
	}

	log.Printf("driftchat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  match_policy:    %s", policy)
	log.Printf("  store_backend:   %s", backend)
	log.Printf("  notify_mode:     %s", notifyMode)

	// --- Core wiring ---
	waiting := queue.New()
	rooms := room.NewManager()
	guard := abuse.NewGuard(abuse.DefaultConfig())

	// Declared early so the gauge closures and handlers can capture them.
	var server *ws.Server

	collector := stats.NewCollector(
		waiting.Len,
		rooms.Count,
		func() int { return server.Connections().Count() },
	)

	dispatcher := ws.NewMessageDispatcher()
	server = ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	var notifier notify.Notifier
	var relay *notify.NATSRelay
	if notifyMode == "nats" {
		natsConfig := notify.DefaultNATSConfig()
		if url := os.Getenv("NATS_URL"); url != "" {
			natsConfig.URL = url
		}
		relay, err = notify.NewNATSRelay(natsConfig, server.SendMessage)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		notifier = relay
	} else {
		notifier = notify.NewLocalNotifier(server)
	}

	gwConfig := gateway.DefaultConfig()
	gwConfig.Policy = policy
	// Cross-instance matching needs both a queue every instance can see and
	// a relay that reaches connections on other instances.
	gwConfig.SharedStore = backend == "redis" && notifyMode == "nats"
	if d, ok := envDuration("STORE_TIMEOUT"); ok {
		gwConfig.StoreTimeout = d
	}

	gw := gateway.New(gwConfig, waiting, rooms, guard, collector, notifier, st, analyticsStore)
	gw.WarmStart()

	// --- Message handlers ---
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		if err := gw.Join(conn.ID, joinMsg.Topics); err != nil {
			log.Printf("join_queue conn=%s: %v", conn.ID, err)
			return
		}
		metrics.WaitingUsers.Set(float64(waiting.Len()))
		metrics.ActiveRooms.Set(float64(rooms.Count()))
	})

	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		gw.SendMessage(conn.ID, chatMsg.RoomID, chatMsg.Message)
	})

	server.SetOnConnect(func(connID string) {
		gw.ConnectionOpened(connID)
		if relay != nil {
			if err := relay.Watch(connID); err != nil {
				log.Printf("nats watch conn=%s: %v", connID, err)
			}
		}
	})

	server.SetOnDisconnect(func(connID string) {
		gw.Disconnect(connID)
		if relay != nil {
			relay.Unwatch(connID)
		}
		metrics.WaitingUsers.Set(float64(waiting.Len()))
		metrics.ActiveRooms.Set(float64(rooms.Count()))
	})

	// --- Background loops ---
	ctx, cancel := context.WithCancel(context.Background())

	go janitor.New(janitorConfig, gw).Run(ctx)

	go func() {
		ticker := time.NewTicker(statsFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.FlushStats()
				metrics.WaitingUsers.Set(float64(waiting.Len()))
				metrics.ActiveRooms.Set(float64(rooms.Count()))
			}
		}
	}()

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		gw.FlushStats()
		notifier.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		if err := analyticsStore.Close(); err != nil {
			log.Printf("analytics close error: %v", err)
		}
		os.Exit(0)
	}()

	mux := httpapi.NewMux(httpapi.Deps{
		Stats:       collector,
		Connections: func() int { return server.Connections().Count() },
		Uptime:      server.Uptime,
	})

	if err := server.Start(mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

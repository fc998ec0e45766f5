package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectEvents is the NATS subject prefix for per-connection outbound
// events; the full subject is events.<conn_id>.
const SubjectEvents = "events"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "driftchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSRelay is the multi-instance Notifier variant. Notify publishes the
// event on events.<conn_id>; every instance subscribes to that subject for
// each of its local connections, so the event reaches the right instance no
// matter where the pairing happened. The deliver callback performs the final
// local write.
type NATSRelay struct {
	conn    *nats.Conn
	deliver func(connID string, payload []byte) error
	mu      sync.Mutex
	subs    map[string]*nats.Subscription // conn ID -> subscription
}

// NewNATSRelay connects to NATS and returns a relay that hands received
// events to deliver. It returns an error if the initial connection fails.
func NewNATSRelay(config NATSConfig, deliver func(connID string, payload []byte) error) (*NATSRelay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSRelay{
		conn:    nc,
		deliver: deliver,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

// Notify publishes the event on the connection's subject. The instance
// hosting the connection (possibly this one) delivers it.
func (r *NATSRelay) Notify(connID string, payload []byte) error {
	if err := r.conn.Publish(SubjectEvents+"."+connID, payload); err != nil {
		return fmt.Errorf("notify: publish events.%s: %w", connID, err)
	}
	return nil
}

// Watch subscribes to the connection's event subject and forwards received
// events to the deliver callback. Called when a connection attaches to this
// instance.
func (r *NATSRelay) Watch(connID string) error {
	subject := SubjectEvents + "." + connID
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := r.deliver(connID, msg.Data); err != nil {
			log.Printf("[nats] deliver to %s failed: %v", connID, err)
		}
	})
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	r.subs[connID] = sub
	r.mu.Unlock()
	return nil
}

// Unwatch drops the connection's subscription. Safe to call for a
// connection that was never watched.
func (r *NATSRelay) Unwatch(connID string) {
	r.mu.Lock()
	sub, ok := r.subs[connID]
	delete(r.subs, connID)
	r.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", connID, err)
		}
	}
}

// Close drains all subscriptions and the connection.
func (r *NATSRelay) Close() {
	r.mu.Lock()
	for connID, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", connID, err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)
	r.mu.Unlock()

	if err := r.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] relay closed")
}

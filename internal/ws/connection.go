package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client. The connection ID doubles as the
// anonymous chat identity; no other identifier exists for a client.
type Connection struct {
	ID         string   // connection ID (UUID)
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor for epoll lookups
	CreatedAt  time.Time
	LastActive time.Time  // last successful read from the client
	writeMu    sync.Mutex // serializes outbound frames
	processing int32      // atomic flag: 1 while a worker reads this conn
}

// WriteMessage sends a text frame. The write mutex keeps concurrent
// senders (relay, heartbeat, dispatcher) from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionRegistry maps connection IDs and file descriptors to their
// Connection with O(1) lookups both ways.
type ConnectionRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionRegistry returns an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection under both its ID and its fd.
func (r *ConnectionRegistry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byFd[c.Fd] = c
	r.mu.Unlock()
}

// Remove deletes the connection by ID and closes its socket. It reports
// whether the connection was still registered, so racing removers (read
// error vs heartbeat timeout) clean up exactly once.
func (r *ConnectionRegistry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, c.Fd)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (r *ConnectionRegistry) Get(id string) *Connection {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	return c
}

// GetByFd returns the connection for fd, or nil.
func (r *ConnectionRegistry) GetByFd(fd int) *Connection {
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// GetByConn resolves a net.Conn to its Connection via the socket fd. On
// platforms where fds are unavailable it falls back to a linear scan.
func (r *ConnectionRegistry) GetByConn(conn net.Conn) *Connection {
	if fd := socketFD(conn); fd >= 0 {
		return r.GetByFd(fd)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if c.Conn == conn {
			return c
		}
	}
	return nil
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot slice safe to iterate without the lock.
func (r *ConnectionRegistry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

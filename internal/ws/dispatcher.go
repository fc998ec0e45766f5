package ws

import (
	"log"
	"time"

	"github.com/driftchat/server/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by
// message type. Ping/pong keepalive is answered internally; malformed and
// unsupported messages get a structured error response instead of a
// dropped connection.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// SetServer binds the server after construction. The dispatcher exists
// before the server because NewServer wants Dispatch as its callback.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses raw bytes into a typed message and routes it. A panic in
// a handler is contained here: the connection gets a generic error event
// and stays open, and no other connection is affected.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: handler panic conn=%s: %v", conn.ID, r)
			d.sendError(conn, "internal_error", "internal server error")
		}
	}()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client-level ping and refreshes the activity
// timestamp the heartbeat reads.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastActive = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: build pong conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: send pong conn=%s: %v", conn.ID, err)
	}
}

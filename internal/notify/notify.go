// Package notify defines the outbound event delivery capability. The core
// never knows which variant is active: it only calls Notify with a
// connection ID and an encoded event. The variant is chosen once at startup
// via configuration — a local notifier writing straight to this instance's
// WebSocket connections, or a NATS relay that fans events out across
// horizontally scaled instances.
package notify

// Notifier delivers an encoded outbound event to a connection.
type Notifier interface {
	Notify(connID string, payload []byte) error
	Close()
}

// Sender is the transport-side delivery surface (implemented by the
// WebSocket server).
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// LocalNotifier delivers events directly to connections attached to this
// instance. It is the single-instance default.
type LocalNotifier struct {
	sender Sender
}

// NewLocalNotifier wraps the given transport sender.
func NewLocalNotifier(sender Sender) *LocalNotifier {
	return &LocalNotifier{sender: sender}
}

// Notify writes the payload to the connection.
func (n *LocalNotifier) Notify(connID string, payload []byte) error {
	return n.sender.SendMessage(connID, payload)
}

// Close is a no-op; the transport owns the connections.
func (n *LocalNotifier) Close() {}

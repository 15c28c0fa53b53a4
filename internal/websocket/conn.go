package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the slice of a websocket connection the client pumps
// need. Tests substitute an in-memory implementation.
type Connection interface {
	// WriteMessage writes a message with the given message type and payload.
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads the next message from the connection.
	ReadMessage() (messageType int, p []byte, err error)

	// Close closes the connection.
	Close() error

	// SetReadDeadline sets the read deadline on the connection.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline on the connection.
	SetWriteDeadline(t time.Time) error

	// SetReadLimit caps the size of a message read from the peer.
	SetReadLimit(limit int64)

	// SetPongHandler sets the handler for pong control messages.
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the remote network address.
	RemoteAddr() string
}

// gorillaConn adapts *websocket.Conn to the Connection interface.
type gorillaConn struct {
	conn *websocket.Conn
}

func newGorillaConn(conn *websocket.Conn) Connection {
	return &gorillaConn{conn: conn}
}

func (c *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c *gorillaConn) ReadMessage() (messageType int, p []byte, err error) {
	return c.conn.ReadMessage()
}

func (c *gorillaConn) Close() error {
	return c.conn.Close()
}

func (c *gorillaConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *gorillaConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *gorillaConn) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *gorillaConn) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

func (c *gorillaConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

package ws

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client adapts one websocket connection to the hub's Subscriber interface.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one stat payload as a text frame. A failed write closes the
// connection; the hub drops the subscriber on the error.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

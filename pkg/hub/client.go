package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	pingInterval = idleTimeout * 9 / 10

	// Feed subscribers only answer pings and close.
	maxInbound = 512
)

// Client is one websocket subscriber of a feed. The hub writes to it
// through send; nothing the peer sends is interpreted.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewClient subscribes conn to hub. It waits for a hub that has not started
// yet; on a hub that has stopped, the client only sends a close frame.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan Message, 64),
	}
	hub.add(c)
	return c
}

// Run serves the connection until the peer leaves or the hub drops it.
func (c *Client) Run() {
	go c.write()
	c.watch()
}

// watch consumes inbound frames so pongs and the close handshake are
// processed, and unsubscribes on the first read error.
func (c *Client) watch() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

// write is the only writer on conn.
func (c *Client) write() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			typ  int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			typ, data = websocket.TextMessage, msg.Data
			if msg.Type == BinaryMessage {
				typ = websocket.BinaryMessage
			}
		case <-ping.C:
			typ = websocket.PingMessage
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(typ, data); err != nil {
			c.hub.logger.Debug("feed write failed", "error", err)
			return
		}
	}
}

package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is one dashboard connection. A venueID of zero subscribes to every
// venue's events; dashboards normally scope to their own venue.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	venueID int64
	send    chan []byte
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn, venueID int64) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		venueID: venueID,
		send:    make(chan []byte, sendBufferSize),
	}
}

// wants reports whether the client's venue subscription covers the message.
// Messages without a venue go to everyone.
func (c *Client) wants(m Message) bool {
	return c.venueID == 0 || m.VenueID == 0 || m.VenueID == c.venueID
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump reads and discards incoming frames. The stream is notify-only:
// dashboards trigger connects and recomputes over HTTP, never over the
// socket. It returns on error (connection close).
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

// writePump drains the send channel and writes tier and sync notifications
// to the WebSocket. It also sends periodic pings to detect stale dashboards.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Hub closed the channel — connection is done
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Package ws is the WebSocket delivery adapter. It streams the same per-user
// events as the SSE endpoint for clients without EventSource support.
package ws

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/caelansar/chat/internal/event"
	"github.com/caelansar/chat/internal/registry"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes. Clients
	// only ever send control traffic.
	maxMessageSize = 512
)

// Client represents a single WebSocket connection bound to one user's event
// reader.
type Client struct {
	ID     string
	UserID int64
	conn   *websocket.Conn
	reader *registry.Reader
}

// NewClient wraps an upgraded connection and its registry reader.
func NewClient(conn *websocket.Conn, userID int64, reader *registry.Reader) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		conn:   conn,
		reader: reader,
	}
}

// ReadPump consumes the connection's inbound side until the peer goes away.
// Inbound payloads are discarded; the read loop exists to process pongs and
// to notice the disconnect promptly so the reader is released.
func (c *Client) ReadPump() {
	defer func() {
		c.reader.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: client %s read error: %v", c.ID, err)
			}
			return
		}
	}
}

// WritePump streams envelopes to the peer and pings it on a fixed period.
// It exits when the reader is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.reader.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if missed := c.reader.Missed(); missed > 0 {
				log.Printf("ws: client %s fell behind, %d events dropped", c.ID, missed)
			}

			data, err := json.Marshal(event.Envelope{UserID: c.UserID, Event: ev})
			if err != nil {
				log.Printf("ws: client %s marshal failed: %v", c.ID, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single write so a dead peer cannot hang the pump.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. Must exceed pingPeriod.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval.
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound control frames.
	maxMessageSize = 4096

	// sendBuffer is the per-client outbound queue length. When it fills,
	// the oldest pending frame is dropped.
	sendBuffer = 256
)

// Client is one WebSocket connection registered on a single channel.
//
// Lifecycle:
//  1. Created by Hub.ServeChannel after the HTTP upgrade
//  2. Registered with the hub, which sends the connection envelope
//  3. readPump consumes control frames (ping, get_stats, echo)
//  4. writePump drains the send buffer and keeps the connection alive
//  5. On read error the client unregisters and both pumps stop
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	channel string
}

// enqueue queues payload for delivery. When the buffer is full the oldest
// pending frame is discarded to make room so the stream stays current. It
// reports whether any frame was dropped.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return false
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- payload:
	default:
	}
	return true
}

// drop unregisters the client without blocking on a stopped hub.
func (c *Client) drop() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// readPump pumps control frames from the connection to the hub. It owns
// the read side and triggers teardown when the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.drop()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.id).Msg("websocket read failed")
			}
			break
		}
		// Any inbound traffic proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleControl(message)
	}
}

// handleControl answers the minimal client protocol: ping, get_stats, and
// echo for everything else.
func (c *Client) handleControl(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(Envelope{Type: TypeEcho, Message: "Message received", Original: string(raw)})
		return
	}
	switch msg["type"] {
	case "ping":
		c.reply(Envelope{Type: TypePong, Message: "pong"})
	case "get_stats":
		c.reply(Envelope{Type: TypeStats, Data: c.hub.Stats()})
	default:
		c.reply(Envelope{Type: TypeEcho, Message: "Message received", Original: msg})
	}
}

func (c *Client) reply(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.sendTo(c, payload)
}

// writePump pumps frames from the send buffer to the connection and sends
// periodic pings. One pump per connection guarantees at most one writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

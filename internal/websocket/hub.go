// Package websocket implements the channel broadcast fabric: named
// channels multiplexed over WebSocket connections, one channel per
// resource kind plus a tasks channel for job progress.
//
// The fabric enables:
//   - Real-time CRUD notifications (created, updated, deleted frames)
//   - Custom application events on a kind's channel
//   - Job progress forwarding (task_notification frames)
//   - Administrative notices across every channel at once
//   - Connection statistics without walking every client
//
// Architecture:
//   - Hub: owns the channel registry and all fan-out
//   - Client: one WebSocket connection bound to a single channel
//   - Channel: lightweight broadcast handle handed to resource services
//
// Hub lifecycle:
//  1. Create with NewHub()
//  2. Start with go hub.Run(ctx)
//  3. Handlers register connections via ServeChannel()
//  4. Services broadcast via Channel handles
//  5. Cancelling ctx closes every connection and stops the hub
//
// Concurrency:
//   - Run() serializes registration, unregistration and fan-out ordering
//     through channels (one hub goroutine)
//   - Each Client runs a readPump and a writePump goroutine
//   - The channel registry is guarded by a sync.RWMutex so Stats() and
//     control-frame replies never block the hub loop
//
// Slow clients: when a client's send buffer is full the hub drops that
// client's oldest pending frame and logs a warning, keeping the stream
// current instead of disconnecting or stalling the channel. Write errors
// still tear the connection down.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// frame is one serialized envelope targeted at a single channel.
type frame struct {
	channel string
	exclude string
	payload []byte
}

// Hub maintains the channel registry and routes every broadcast.
type Hub struct {
	// channels maps channel name to the clients registered on it, keyed
	// by client id so collisions and origin suppression are cheap.
	channels map[string]map[string]*Client

	// register queues new clients for the hub loop.
	register chan *Client

	// unregister queues departing clients for the hub loop.
	unregister chan *Client

	// broadcast queues serialized frames for fan-out. Buffer of 256.
	broadcast chan frame

	// done is closed when Run returns so pumps never block on a dead hub.
	done chan struct{}

	// mu guards channels and total for readers outside the hub loop.
	mu sync.RWMutex

	// total tracks connections across all channels for OnCount.
	total int

	log zerolog.Logger

	// OnCount, when set before Run starts, observes the total connection
	// count after every census change. It runs on the hub loop and must not
	// call back into the hub.
	OnCount func(total int)
}

// NewHub creates a hub. Call Run in a goroutine before serving clients.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		channels:   make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("subsystem", "websocket").Logger(),
	}
}

// Run is the hub's main loop. It returns after ctx is cancelled and every
// connection has been told to close.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case f := <-h.broadcast:
			h.fanOut(f)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// ServeChannel registers an upgraded connection on channel and starts its
// read and write pumps. An empty requestedID gets a generated one; either
// way the final id is unique within the channel and echoed back in the
// connection envelope.
func (h *Hub) ServeChannel(conn *websocket.Conn, channel, requestedID string) {
	if requestedID == "" {
		requestedID = "client_" + uuid.NewString()[:8]
	}
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		id:      requestedID,
		channel: channel,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// Publish broadcasts an envelope on the named channel, stamping channel
// and timestamp fields. Used by the notify bridge to forward frames that
// arrive from worker processes.
func (h *Hub) Publish(channel string, env Envelope) {
	h.publish(channel, "", env)
}

// BroadcastAll sends an envelope to every channel that currently has
// clients, stamping each copy with its channel name.
func (h *Hub) BroadcastAll(env Envelope) {
	h.mu.RLock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	h.mu.RUnlock()
	for _, name := range names {
		h.publish(name, "", env)
	}
}

// Stats reports the connection census in O(channels) time.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Channels: make(map[string]int, len(h.channels))}
	for name, clients := range h.channels {
		s.Channels[name] = len(clients)
		s.TotalConnections += len(clients)
	}
	s.TotalChannels = len(s.Channels)
	return s
}

func (h *Hub) publish(channel, exclude string, env Envelope) {
	env.Channel = channel
	if env.Timestamp == "" {
		env.Timestamp = timestamp()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Warn().Err(err).Str("channel", channel).Msg("unencodable broadcast dropped")
		return
	}
	select {
	case h.broadcast <- frame{channel: channel, exclude: exclude, payload: payload}:
	case <-h.done:
	default:
		h.log.Warn().Str("channel", channel).Msg("broadcast queue full, frame dropped")
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.channels[client.channel]
	if !ok {
		clients = make(map[string]*Client)
		h.channels[client.channel] = clients
	}
	if _, taken := clients[client.id]; taken {
		client.id = client.id + "_" + uuid.NewString()[:4]
	}
	clients[client.id] = client
	total := len(clients)
	h.total++
	grandTotal := h.total
	h.mu.Unlock()

	if h.OnCount != nil {
		h.OnCount(grandTotal)
	}

	env := Envelope{
		Type:      TypeConnection,
		Message:   "Connected to channel: " + client.channel,
		Channel:   client.channel,
		ClientID:  client.id,
		Timestamp: timestamp(),
	}
	// The send buffer is empty right after registration, so this cannot
	// block and the connection envelope is always the first frame.
	if payload, err := json.Marshal(env); err == nil {
		client.send <- payload
	}

	h.log.Info().
		Str("client_id", client.id).
		Str("channel", client.channel).
		Int("channel_clients", total).
		Msg("websocket client registered")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.channels[client.channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	if current, ok := clients[client.id]; !ok || current != client {
		h.mu.Unlock()
		return
	}
	delete(clients, client.id)
	close(client.send)
	if len(clients) == 0 {
		delete(h.channels, client.channel)
	}
	remaining := len(clients)
	h.total--
	grandTotal := h.total
	h.mu.Unlock()

	if h.OnCount != nil {
		h.OnCount(grandTotal)
	}
	h.log.Info().
		Str("client_id", client.id).
		Str("channel", client.channel).
		Int("channel_clients", remaining).
		Msg("websocket client unregistered")
}

func (h *Hub) fanOut(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.channels[f.channel]
	if !ok {
		return
	}
	for id, client := range clients {
		if f.exclude != "" && id == f.exclude {
			continue
		}
		if client.enqueue(f.payload) {
			h.log.Warn().
				Str("client_id", id).
				Str("channel", f.channel).
				Msg("slow client, dropped oldest pending frame")
		}
	}
}

// sendTo delivers a personal frame (control replies) to one client. The
// read lock plus the registry membership check make this safe against the
// hub closing the client's send channel concurrently.
func (h *Hub) sendTo(client *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.channels[client.channel]
	if !ok {
		return
	}
	if current, ok := clients[client.id]; ok && current == client {
		if current.enqueue(payload) {
			h.log.Warn().
				Str("client_id", client.id).
				Str("channel", client.channel).
				Msg("slow client, dropped oldest pending frame")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for name, clients := range h.channels {
		for id, client := range clients {
			close(client.send)
			delete(clients, id)
		}
		delete(h.channels, name)
	}
	h.total = 0
	h.mu.Unlock()

	if h.OnCount != nil {
		h.OnCount(0)
	}
	h.log.Info().Msg("websocket hub stopped")
}

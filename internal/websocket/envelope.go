package websocket

import "time"

// Frame types emitted by the fabric. Custom broadcasts use the event name
// itself as the type, so this list is not exhaustive on the wire.
const (
	TypeConnection       = "connection"
	TypeCreated          = "created"
	TypeUpdated          = "updated"
	TypeDeleted          = "deleted"
	TypeTaskNotification = "task_notification"
	TypeStats            = "stats"
	TypePong             = "pong"
	TypeEcho             = "echo"
	TypeShutdown         = "shutdown"
)

// Envelope is the single JSON frame shape sent to clients. Every frame kind
// uses a subset of these fields; unused fields are omitted on the wire.
type Envelope struct {
	Type      string `json:"type,omitempty"`
	Model     string `json:"model,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Event     string `json:"event,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Data      any    `json:"data,omitempty"`
	Original  any    `json:"original,omitempty"`
}

// Stats is the point-in-time connection census reported over /ws/stats and
// in response to get_stats control frames.
type Stats struct {
	TotalChannels    int            `json:"total_channels"`
	Channels         map[string]int `json:"channels"`
	TotalConnections int            `json:"total_connections"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Channel is the broadcast handle handed to a kind's resource service. All
// methods serialize the envelope once and fan it out to every client
// registered on the channel.
type Channel struct {
	hub  *Hub
	name string
}

// Channel returns the broadcast handle for name. Handles are cheap and
// stateless; callers may create them freely.
func (h *Hub) Channel(name string) *Channel {
	return &Channel{hub: h, name: name}
}

// Name returns the channel name this handle broadcasts to.
func (c *Channel) Name() string { return c.name }

// Created broadcasts a created frame carrying the new row.
func (c *Channel) Created(data any) { c.CreatedExcept(data, "") }

// CreatedExcept is Created with origin suppression: the client with the
// given id does not receive the frame.
func (c *Channel) CreatedExcept(data any, excludeClientID string) {
	c.hub.publish(c.name, excludeClientID, Envelope{Type: TypeCreated, Model: c.name, Data: data})
}

// Updated broadcasts an updated frame carrying the full new row shape.
func (c *Channel) Updated(data any) { c.UpdatedExcept(data, "") }

// UpdatedExcept is Updated with origin suppression.
func (c *Channel) UpdatedExcept(data any, excludeClientID string) {
	c.hub.publish(c.name, excludeClientID, Envelope{Type: TypeUpdated, Model: c.name, Data: data})
}

// Deleted broadcasts a deleted frame carrying only the removed id.
func (c *Channel) Deleted(id int64) { c.DeletedExcept(id, "") }

// DeletedExcept is Deleted with origin suppression.
func (c *Channel) DeletedExcept(id int64, excludeClientID string) {
	c.hub.publish(c.name, excludeClientID, Envelope{Type: TypeDeleted, Model: c.name, Data: map[string]any{"id": id}})
}

// Custom broadcasts an application-defined event. The event name becomes
// the frame type.
func (c *Channel) Custom(event string, data any) { c.CustomExcept(event, data, "") }

// CustomExcept is Custom with origin suppression.
func (c *Channel) CustomExcept(event string, data any, excludeClientID string) {
	c.hub.publish(c.name, excludeClientID, Envelope{Type: event, Model: c.name, Data: data})
}

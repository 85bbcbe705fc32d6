// Package notify bridges background workers and the websocket hub over
// Redis pub/sub. Workers publish task notifications and whole relay frames;
// the server-side listener forwards them to hub subscribers. Everything on
// the wire is JSON.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/websocket"
)

const (
	taskChannelPrefix = "task_notifications:"
	taskPattern       = taskChannelPrefix + "*"
	framesChannel     = "ws:events"
)

// TaskNotification is the pub/sub payload for task progress updates.
type TaskNotification struct {
	JobID     string `json:"job_id"`
	Channel   string `json:"channel"`
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher emits notifications from the worker side. Failures are logged
// and swallowed: fan-out must never fail the job that produced it.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher builds a publisher.
func NewPublisher(rdb *redis.Client, log zerolog.Logger) *Publisher {
	return &Publisher{
		rdb: rdb,
		log: log.With().Str("subsystem", "notify").Logger(),
	}
}

// TaskNotification publishes a task progress update. kind names the hub
// channel the frame surfaces on; entityID scopes the pub/sub subject so a
// consumer can follow a single entity's stream.
func (p *Publisher) TaskNotification(ctx context.Context, kind, entityID, jobID, event string, data any) {
	p.publish(ctx, taskChannelPrefix+entityID, TaskNotification{
		JobID:     jobID,
		Channel:   kind,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// TaskEvent publishes a job lifecycle update on the tasks channel. It
// satisfies the queue worker's Notifier port.
func (p *Publisher) TaskEvent(ctx context.Context, event, jobID string, data any) {
	p.TaskNotification(ctx, "tasks", "tasks", jobID, event, data)
}

// Frame relays a complete websocket envelope to the server hub. The
// envelope must carry its target channel.
func (p *Publisher) Frame(ctx context.Context, env websocket.Envelope) {
	if env.Channel == "" {
		p.log.Warn().Str("type", env.Type).Msg("relay frame missing channel, dropped")
		return
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	p.publish(ctx, framesChannel, env)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Msg("notification not serializable")
		return
	}
	if err := p.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Msg("notification publish failed")
	}
}

// RemoteBroadcaster lets worker-side services broadcast resource mutations
// through the relay instead of an in-process hub. It mirrors the envelope
// shapes the hub's own channel handles produce.
type RemoteBroadcaster struct {
	pub     *Publisher
	channel string
}

// NewRemoteBroadcaster builds a relay-backed broadcaster for one channel.
func NewRemoteBroadcaster(pub *Publisher, channel string) *RemoteBroadcaster {
	return &RemoteBroadcaster{pub: pub, channel: channel}
}

func (b *RemoteBroadcaster) Created(data any) { b.frame(websocket.TypeCreated, data) }

func (b *RemoteBroadcaster) Updated(data any) { b.frame(websocket.TypeUpdated, data) }

func (b *RemoteBroadcaster) Deleted(id int64) {
	b.frame(websocket.TypeDeleted, map[string]any{"id": id})
}

func (b *RemoteBroadcaster) Custom(event string, data any) { b.frame(event, data) }

func (b *RemoteBroadcaster) frame(frameType string, data any) {
	b.pub.Frame(context.Background(), websocket.Envelope{
		Type:    frameType,
		Model:   b.channel,
		Channel: b.channel,
		Data:    data,
	})
}

// FrameSink is the listener's view of the hub.
type FrameSink interface {
	Publish(channel string, env websocket.Envelope)
}

// Listener subscribes to worker notifications and forwards them to the hub.
// Malformed payloads are logged and dropped.
type Listener struct {
	rdb *redis.Client
	hub FrameSink
	log zerolog.Logger
}

// NewListener builds a listener.
func NewListener(rdb *redis.Client, hub FrameSink, log zerolog.Logger) *Listener {
	return &Listener{
		rdb: rdb,
		hub: hub,
		log: log.With().Str("subsystem", "notify").Logger(),
	}
}

// Run consumes notifications until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	pubsub := l.rdb.PSubscribe(ctx, taskPattern, framesChannel)
	defer pubsub.Close()

	l.log.Info().Msg("notification listener started")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("notification listener stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("notification subscription closed")
			}
			l.dispatch(msg)
		}
	}
}

func (l *Listener) dispatch(msg *redis.Message) {
	switch {
	case msg.Channel == framesChannel:
		var env websocket.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			l.log.Warn().Err(err).Msg("relay frame undecodable, dropped")
			return
		}
		if env.Channel == "" {
			l.log.Warn().Str("type", env.Type).Msg("relay frame missing channel, dropped")
			return
		}
		l.hub.Publish(env.Channel, env)

	case strings.HasPrefix(msg.Channel, taskChannelPrefix):
		var note TaskNotification
		if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
			l.log.Warn().Err(err).Str("channel", msg.Channel).Msg("task notification undecodable, dropped")
			return
		}
		// The payload names the hub channel; the subject suffix is only a
		// fallback for bare publishers.
		target := note.Channel
		if target == "" {
			target = strings.TrimPrefix(msg.Channel, taskChannelPrefix)
		}
		if target == "" {
			l.log.Warn().Msg("task notification missing channel, dropped")
			return
		}
		l.hub.Publish(target, websocket.Envelope{
			Type:      websocket.TypeTaskNotification,
			Event:     note.Event,
			JobID:     note.JobID,
			Data:      note.Data,
			Timestamp: note.Timestamp,
		})
	}
}

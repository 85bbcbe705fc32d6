package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/queue"
)

// DeliverFunction is the queue function name for delivery jobs.
const DeliverFunction = "deliver_webhook"

// Enqueuer is the dispatcher's view of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, function string, args any, opts queue.Options) (*queue.Job, error)
}

// DeliveryArgs is the job payload for one delivery attempt. Payload carries
// the event body fixed at trigger time; retries resend the same bytes.
type DeliveryArgs struct {
	SubscriptionID int64           `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
}

// Dispatcher fans application events out to matching subscriptions by
// enqueueing one delivery job per match.
type Dispatcher struct {
	store   *Store
	queue   Enqueuer
	appName string
	log     zerolog.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store *Store, q Enqueuer, appName string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		queue:   q,
		appName: appName,
		log:     log.With().Str("subsystem", "webhooks").Logger(),
	}
}

// Trigger dispatches an event. Failures are logged and swallowed: event
// fan-out must never fail the mutation that produced it.
func (d *Dispatcher) Trigger(ctx context.Context, event string, data any) {
	if _, err := d.dispatch(ctx, event, data); err != nil {
		d.log.Warn().Err(err).Str("event", event).Msg("webhook trigger failed")
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event string, data any) (int, error) {
	subs, err := d.store.ListActiveForEvent(ctx, event)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		d.log.Debug().Str("event", event).Msg("no webhook subscriptions for event")
		return 0, nil
	}

	payload := EventPayload{
		EventType: event,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    d.appName,
		Version:   "1.0",
		Data:      data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode event payload: %w", err)
	}

	dataMap := normalizeData(data)
	triggered := 0
	for _, sub := range subs {
		if !matchesFilters(dataMap, sub.Filters) {
			d.log.Debug().
				Int64("subscription_id", sub.ID).
				Str("event", event).
				Msg("event filtered out by subscription filters")
			continue
		}
		args := DeliveryArgs{
			SubscriptionID: sub.ID,
			EventType:      event,
			Payload:        raw,
			Attempt:        1,
		}
		if _, err := d.queue.Enqueue(ctx, DeliverFunction, args, queue.Options{}); err != nil {
			d.log.Warn().Err(err).
				Int64("subscription_id", sub.ID).
				Str("event", event).
				Msg("webhook delivery enqueue failed")
			continue
		}
		triggered++
	}

	d.log.Info().
		Str("event", event).
		Str("event_id", payload.EventID).
		Int("subscriptions_notified", triggered).
		Msg("webhook event triggered")
	return triggered, nil
}

// normalizeData reduces an event payload to the generic map shape filters
// are evaluated against. Non-object payloads normalize to nil.
func normalizeData(data any) map[string]any {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// matchesFilters applies a subscription's filter map: every key must equal
// the payload's top-level value. Nested paths are not consulted.
func matchesFilters(data map[string]any, filters map[string]any) bool {
	if len(filters) == 0 {
		return true
	}
	if data == nil {
		return false
	}
	for key, expected := range filters {
		if !jsonEqual(data[key], expected) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values through their canonical JSON rendering,
// which sidesteps the float64-vs-int mismatch of decoded payloads.
func jsonEqual(a, b any) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

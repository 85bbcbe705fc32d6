package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/resource"
)

const (
	responseBodyLimit = 10000
	errorBodyLimit    = 500
	testBodyLimit     = 1000
)

// Deliverer executes delivery jobs: it signs the payload, POSTs it with the
// subscription's timeout, records the attempt, and schedules the next one
// when the failure class allows it. 4xx responses are permanent; 5xx,
// timeouts, and connection errors retry until the subscription's budget
// runs out.
type Deliverer struct {
	store   *Store
	queue   Enqueuer
	client  *http.Client
	appName string
	log     zerolog.Logger

	// OnAttempt, when set, observes every recorded delivery attempt.
	OnAttempt func(success bool)
}

// NewDeliverer builds a deliverer with a pooled HTTP client. Per-attempt
// timeouts come from each subscription.
func NewDeliverer(store *Store, q Enqueuer, appName string, log zerolog.Logger) *Deliverer {
	return &Deliverer{
		store: store,
		queue: q,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
			},
		},
		appName: appName,
		log:     log.With().Str("subsystem", "webhooks").Logger(),
	}
}

// HandleDelivery is the queue handler for DeliverFunction jobs.
func (d *Deliverer) HandleDelivery(ctx context.Context, job *queue.Job) (any, error) {
	var args DeliveryArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}

	sub, err := d.store.GetSubscription(ctx, args.SubscriptionID)
	if errors.Is(err, resource.ErrNotFound) {
		d.log.Warn().
			Int64("subscription_id", args.SubscriptionID).
			Str("event", args.EventType).
			Msg("subscription gone, delivery skipped")
		return map[string]any{"skipped": true, "reason": "subscription deleted"}, nil
	}
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		d.log.Info().
			Int64("subscription_id", sub.ID).
			Str("event", args.EventType).
			Msg("subscription inactive, delivery skipped")
		return map[string]any{"skipped": true, "reason": "subscription inactive"}, nil
	}

	delivery, err := d.deliver(ctx, sub, args)
	if err != nil {
		return nil, err
	}

	if delivery.WillRetry {
		next := DeliveryArgs{
			SubscriptionID: sub.ID,
			EventType:      args.EventType,
			Payload:        args.Payload,
			Attempt:        args.Attempt + 1,
		}
		delay := time.Until(*delivery.NextRetryAt)
		if delay < 0 {
			delay = 0
		}
		if _, err := d.queue.Enqueue(ctx, DeliverFunction, next, queue.Options{Delay: delay}); err != nil {
			d.log.Error().Err(err).
				Int64("subscription_id", sub.ID).
				Int("next_attempt", args.Attempt+1).
				Msg("webhook retry enqueue failed, retry lost")
		}
	}

	return map[string]any{
		"delivery_id":     delivery.ID,
		"subscription_id": sub.ID,
		"event_type":      args.EventType,
		"success":         delivery.Success,
		"status_code":     delivery.StatusCode,
		"attempt":         args.Attempt,
		"will_retry":      delivery.WillRetry,
	}, nil
}

// deliver performs one POST and records it. Only storage failures return an
// error; HTTP failures are encoded in the delivery record.
func (d *Deliverer) deliver(ctx context.Context, sub Subscription, args DeliveryArgs) (*Delivery, error) {
	var meta EventPayload
	if err := json.Unmarshal(args.Payload, &meta); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	canonical, err := CanonicalJSON(args.Payload)
	if err != nil {
		return nil, err
	}
	signature := Sign(sub.Secret, canonical)

	delivery := &Delivery{
		SubscriptionID: sub.ID,
		EventType:      args.EventType,
		EventID:        meta.EventID,
		Payload:        canonical,
		URL:            sub.URL,
		RequestMethod:  http.MethodPost,
		Attempt:        args.Attempt,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(sub.Timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(canonical))
	if err != nil {
		return nil, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", args.EventType)
	req.Header.Set("X-Webhook-Delivery", meta.EventID)
	req.Header.Set("User-Agent", d.userAgent())
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	delivery.DurationMS = time.Since(start).Milliseconds()

	retriable := false
	switch {
	case err != nil:
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timeout after %ds", sub.Timeout)
		}
		delivery.ErrorMessage = &msg
		retriable = true

	default:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
		resp.Body.Close()
		if readErr != nil {
			d.log.Warn().Err(readErr).Int64("subscription_id", sub.ID).Msg("response body read failed")
		}
		code := resp.StatusCode
		text := string(body)
		delivery.StatusCode = &code
		delivery.ResponseBody = &text

		if code >= 200 && code < 300 {
			delivery.Success = true
		} else {
			msg := fmt.Sprintf("HTTP %d: %s", code, truncate(text, errorBodyLimit))
			delivery.ErrorMessage = &msg
			// Client errors will not heal on their own.
			retriable = code < 400 || code >= 500
		}
	}

	// max_retries counts retries after the first attempt, so attempt
	// max_retries+1 is the last one.
	if !delivery.Success && retriable && args.Attempt <= sub.MaxRetries {
		delivery.WillRetry = true
		next := time.Now().UTC().Add(retryBackoff(sub.RetryBackoff, args.Attempt))
		delivery.NextRetryAt = &next
	}

	if err := d.store.RecordDelivery(ctx, delivery); err != nil {
		return nil, err
	}
	if d.OnAttempt != nil {
		d.OnAttempt(delivery.Success)
	}

	if delivery.Success {
		d.log.Info().
			Int64("subscription_id", sub.ID).
			Str("event", args.EventType).
			Int("status_code", *delivery.StatusCode).
			Int64("duration_ms", delivery.DurationMS).
			Int("attempt", args.Attempt).
			Msg("webhook delivered")
	} else {
		d.log.Warn().
			Int64("subscription_id", sub.ID).
			Str("event", args.EventType).
			Str("error", stringOrEmpty(delivery.ErrorMessage)).
			Bool("will_retry", delivery.WillRetry).
			Int("attempt", args.Attempt).
			Msg("webhook delivery failed")
	}
	return delivery, nil
}

// TestURL performs a synchronous one-shot test.ping delivery. No
// subscription or delivery record is created and the payload is unsigned.
func (d *Deliverer) TestURL(ctx context.Context, in TestRequest) TestResult {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 10
	}

	payload := EventPayload{
		EventType: EventTestPing,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    d.appName,
		Version:   "1.0",
		Data: map[string]any{
			"message": fmt.Sprintf("Webhook test from %s", d.appName),
			"test":    true,
		},
	}
	body, err := CanonicalJSON(payload)
	if err != nil {
		msg := err.Error()
		return TestResult{ErrorMessage: &msg}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, in.URL, bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		return TestResult{ErrorMessage: &msg}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", EventTestPing)
	req.Header.Set("User-Agent", d.userAgent())
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timeout after %ds", timeout)
		}
		return TestResult{DurationMS: duration, ErrorMessage: &msg}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, testBodyLimit))
	code := resp.StatusCode
	text := string(raw)
	result := TestResult{
		Success:      code >= 200 && code < 300,
		StatusCode:   &code,
		ResponseBody: &text,
		DurationMS:   duration,
	}
	if !result.Success {
		msg := truncate(text, errorBodyLimit)
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", code)
		}
		result.ErrorMessage = &msg
	}
	return result
}

func (d *Deliverer) userAgent() string {
	return fmt.Sprintf("%s-Webhook/1.0", d.appName)
}

// retryBackoff doubles the subscription's base backoff per completed
// attempt.
func retryBackoff(backoffSeconds, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(backoffSeconds) * time.Second << (attempt - 1)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

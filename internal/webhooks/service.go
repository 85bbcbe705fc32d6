// Package webhooks delivers application events to external HTTP endpoints.
// Subscriptions choose events from a fixed catalog, optionally narrowed by
// top-level payload filters. Deliveries run as queue jobs, are signed with
// a per-subscription HMAC secret, and leave an immutable audit trail with
// aggregate counters per subscription.
package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
	"github.com/pulseframe/pulseframe/internal/resource"
)

// ErrInvalidSubscription reports a subscription body that fails semantic
// validation (unknown event, bad URL).
var ErrInvalidSubscription = errors.New("invalid webhook subscription")

// ErrNoFields reports an update patch with nothing to apply.
var ErrNoFields = errors.New("no fields to update")

// Service manages the subscription registry on top of the store.
type Service struct {
	store          *Store
	timeoutDefault int
	requireHTTPS   bool
	log            zerolog.Logger
}

// NewService builds the subscription service. requireHTTPS enforces
// https-only destination URLs, the production policy.
func NewService(store *Store, cfg config.WebhookSettings, requireHTTPS bool, log zerolog.Logger) *Service {
	timeout := cfg.TimeoutDefault
	if timeout <= 0 {
		timeout = 10
	}
	return &Service{
		store:          store,
		timeoutDefault: timeout,
		requireHTTPS:   requireHTTPS,
		log:            log.With().Str("subsystem", "webhooks").Logger(),
	}
}

// Create validates and stores a subscription. A missing secret is replaced
// with a generated one.
func (s *Service) Create(ctx context.Context, in SubscriptionCreate) (Subscription, error) {
	if err := s.validateEvents(in.Events); err != nil {
		return Subscription{}, err
	}
	if err := s.validateURL(in.URL); err != nil {
		return Subscription{}, err
	}

	secret := in.Secret
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return Subscription{}, err
		}
		secret = generated
	}

	sub := Subscription{
		Name:         in.Name,
		Description:  in.Description,
		URL:          in.URL,
		Secret:       secret,
		Events:       in.Events,
		Filters:      in.Filters,
		Headers:      in.Headers,
		Active:       true,
		MaxRetries:   3,
		RetryBackoff: 60,
		Timeout:      s.timeoutDefault,
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}
	if in.MaxRetries != nil {
		sub.MaxRetries = *in.MaxRetries
	}
	if in.RetryBackoff != nil {
		sub.RetryBackoff = *in.RetryBackoff
	}
	if in.Timeout != nil {
		sub.Timeout = *in.Timeout
	}

	created, err := s.store.InsertSubscription(ctx, sub)
	if err != nil {
		return Subscription{}, err
	}
	s.log.Info().
		Int64("subscription_id", created.ID).
		Str("name", created.Name).
		Str("url", created.URL).
		Strs("events", created.Events).
		Msg("webhook subscription created")
	return created, nil
}

// Get fetches one subscription.
func (s *Service) Get(ctx context.Context, id int64) (Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// List returns subscriptions, optionally active-only or per event type.
func (s *Service) List(ctx context.Context, activeOnly bool, eventType string) ([]Subscription, error) {
	return s.store.ListSubscriptions(ctx, activeOnly, eventType)
}

// Update applies a partial patch after validating the changed fields.
func (s *Service) Update(ctx context.Context, id int64, patch SubscriptionUpdate) (Subscription, error) {
	if patch.Events != nil {
		if err := s.validateEvents(patch.Events); err != nil {
			return Subscription{}, err
		}
	}
	if patch.URL != nil {
		if err := s.validateURL(*patch.URL); err != nil {
			return Subscription{}, err
		}
	}
	updated, err := s.store.UpdateSubscription(ctx, id, patch)
	if err != nil {
		return Subscription{}, err
	}
	s.log.Info().Int64("subscription_id", id).Msg("webhook subscription updated")
	return updated, nil
}

// Delete removes a subscription, keeping its delivery history.
func (s *Service) Delete(ctx context.Context, id int64) error {
	deleted, err := s.store.DeleteSubscription(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return resource.ErrNotFound
	}
	s.log.Info().Int64("subscription_id", id).Msg("webhook subscription deleted")
	return nil
}

// Deliveries returns delivery history, newest first.
func (s *Service) Deliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	return s.store.ListDeliveries(ctx, f)
}

// SubscriptionStats aggregates counters with the ten most recent deliveries.
func (s *Service) SubscriptionStats(ctx context.Context, id int64) (Stats, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	recent, err := s.store.ListDeliveries(ctx, DeliveryFilter{SubscriptionID: &id, Limit: 10})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		SubscriptionID:       sub.ID,
		TotalDeliveries:      sub.TotalDeliveries,
		SuccessfulDeliveries: sub.SuccessfulDeliveries,
		FailedDeliveries:     sub.FailedDeliveries,
		LastDeliveryAt:       sub.LastDeliveryAt,
		LastSuccessAt:        sub.LastSuccessAt,
		LastFailureAt:        sub.LastFailureAt,
		RecentDeliveries:     recent,
	}
	if sub.TotalDeliveries > 0 {
		rate := float64(sub.SuccessfulDeliveries) / float64(sub.TotalDeliveries) * 100
		stats.SuccessRate = &rate
	}
	return stats, nil
}

// Prune removes delivery records older than the retention window.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	pruned, err := s.store.PruneDeliveries(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Msg("webhook deliveries pruned")
	}
	return pruned, nil
}

func (s *Service) validateEvents(events []string) error {
	for _, e := range events {
		if !IsValidEvent(e) {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidSubscription, e)
		}
	}
	return nil
}

func (s *Service) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidSubscription)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if s.requireHTTPS {
			return fmt.Errorf("%w: url must use https", ErrInvalidSubscription)
		}
		return nil
	default:
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidSubscription)
	}
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

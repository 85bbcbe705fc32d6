package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pulseframe/pulseframe/internal/database"
	"github.com/pulseframe/pulseframe/internal/resource"
)

const subscriptionColumns = "id, name, description, url, secret, events, filters, headers, active, " +
	"max_retries, retry_backoff, timeout_seconds, total_deliveries, successful_deliveries, " +
	"failed_deliveries, last_delivery_at, last_success_at, last_failure_at, created_at, updated_at"

const deliveryColumns = "id, subscription_id, event_type, event_id, payload, url, request_method, " +
	"status_code, success, response_body, error_message, duration_ms, attempt, will_retry, " +
	"next_retry_at, created_at"

// Store is the Postgres persistence layer for subscriptions and delivery
// history. Deliveries reference subscriptions by id only: deleting a
// subscription leaves its history intact.
type Store struct {
	db *database.DB
}

// NewStore builds the webhook store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var (
		s       Subscription
		filters []byte
		headers []byte
	)
	err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.URL, &s.Secret, (*pq.StringArray)(&s.Events),
		&filters, &headers, &s.Active, &s.MaxRetries, &s.RetryBackoff, &s.Timeout,
		&s.TotalDeliveries, &s.SuccessfulDeliveries, &s.FailedDeliveries,
		&s.LastDeliveryAt, &s.LastSuccessAt, &s.LastFailureAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, resource.ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &s.Filters); err != nil {
			return Subscription{}, fmt.Errorf("decode subscription %d filters: %w", s.ID, err)
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &s.Headers); err != nil {
			return Subscription{}, fmt.Errorf("decode subscription %d headers: %w", s.ID, err)
		}
	}
	return s, nil
}

// jsonColumn renders an optional map as a JSONB column value, NULL when
// the map is empty.
func jsonColumn(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return raw, nil
}

// InsertSubscription persists a validated subscription and returns the row.
func (s *Store) InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	filters, err := jsonColumn(sub.Filters, len(sub.Filters) == 0)
	if err != nil {
		return Subscription{}, err
	}
	headers, err := jsonColumn(sub.Headers, len(sub.Headers) == 0)
	if err != nil {
		return Subscription{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO webhook_subscriptions
		 (name, description, url, secret, events, filters, headers, active, max_retries, retry_backoff, timeout_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+subscriptionColumns,
		sub.Name, sub.Description, sub.URL, sub.Secret, pq.Array(sub.Events),
		filters, headers, sub.Active, sub.MaxRetries, sub.RetryBackoff, sub.Timeout)
	return scanSubscription(row)
}

// GetSubscription fetches one subscription.
func (s *Store) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM webhook_subscriptions WHERE id = $1", id)
	return scanSubscription(row)
}

// ListSubscriptions returns subscriptions in id order, optionally narrowed
// to active ones or to those listening for one event.
func (s *Store) ListSubscriptions(ctx context.Context, activeOnly bool, eventType string) ([]Subscription, error) {
	var (
		conds []string
		args  []any
	)
	if activeOnly {
		conds = append(conds, "active")
	}
	if eventType != "" {
		args = append(args, eventType)
		conds = append(conds, fmt.Sprintf("$%d = ANY(events)", len(args)))
	}
	query := "SELECT " + subscriptionColumns + " FROM webhook_subscriptions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListActiveForEvent returns the active subscriptions whose event set
// contains eventType.
func (s *Store) ListActiveForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM webhook_subscriptions WHERE active AND $1 = ANY(events) ORDER BY id ASC",
		eventType)
	if err != nil {
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// UpdateSubscription writes the non-nil patch fields.
func (s *Store) UpdateSubscription(ctx context.Context, id int64, patch SubscriptionUpdate) (Subscription, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.URL != nil {
		set("url", *patch.URL)
	}
	if patch.Secret != nil {
		set("secret", *patch.Secret)
	}
	if patch.Events != nil {
		set("events", pq.Array(patch.Events))
	}
	if patch.Filters != nil {
		filters, err := jsonColumn(patch.Filters, false)
		if err != nil {
			return Subscription{}, err
		}
		set("filters", filters)
	}
	if patch.Headers != nil {
		headers, err := jsonColumn(patch.Headers, false)
		if err != nil {
			return Subscription{}, err
		}
		set("headers", headers)
	}
	if patch.Active != nil {
		set("active", *patch.Active)
	}
	if patch.MaxRetries != nil {
		set("max_retries", *patch.MaxRetries)
	}
	if patch.RetryBackoff != nil {
		set("retry_backoff", *patch.RetryBackoff)
	}
	if patch.Timeout != nil {
		set("timeout_seconds", *patch.Timeout)
	}
	if len(sets) == 0 {
		return Subscription{}, ErrNoFields
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE webhook_subscriptions SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), subscriptionColumns)
	return scanSubscription(s.db.QueryRowContext(ctx, query, args...))
}

// DeleteSubscription removes a subscription, reporting whether it existed.
// Delivery history is kept.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhook_subscriptions WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return n > 0, nil
}

func collectSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.EventType, &d.EventID, (*[]byte)(&d.Payload), &d.URL,
		&d.RequestMethod, &d.StatusCode, &d.Success, &d.ResponseBody, &d.ErrorMessage,
		&d.DurationMS, &d.Attempt, &d.WillRetry, &d.NextRetryAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, resource.ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

// RecordDelivery appends a delivery attempt and bumps the subscription's
// aggregate counters in the same transaction. The counter update is a no-op
// when the subscription has been deleted meanwhile.
func (s *Store) RecordDelivery(ctx context.Context, d *Delivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`INSERT INTO webhook_deliveries
		 (subscription_id, event_type, event_id, payload, url, request_method, status_code,
		  success, response_body, error_message, duration_ms, attempt, will_retry, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id, created_at`,
		d.SubscriptionID, d.EventType, d.EventID, []byte(d.Payload), d.URL, d.RequestMethod,
		d.StatusCode, d.Success, d.ResponseBody, d.ErrorMessage, d.DurationMS, d.Attempt,
		d.WillRetry, d.NextRetryAt)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE webhook_subscriptions SET
		   total_deliveries = total_deliveries + 1,
		   successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
		   failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
		   last_delivery_at = $3,
		   last_success_at = CASE WHEN $2 THEN $3 ELSE last_success_at END,
		   last_failure_at = CASE WHEN $2 THEN last_failure_at ELSE $3 END,
		   updated_at = now()
		 WHERE id = $1`,
		d.SubscriptionID, d.Success, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("update delivery counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns delivery history, newest first.
func (s *Store) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	var (
		conds []string
		args  []any
	)
	if f.SubscriptionID != nil {
		args = append(args, *f.SubscriptionID)
		conds = append(conds, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.SuccessOnly != nil {
		args = append(args, *f.SuccessOnly)
		conds = append(conds, fmt.Sprintf("success = $%d", len(args)))
	}
	query := "SELECT " + deliveryColumns + " FROM webhook_deliveries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// PruneDeliveries deletes delivery records created before the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhook_deliveries WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return n, nil
}

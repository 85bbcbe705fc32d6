package webhooks

import (
	"encoding/json"
	"time"
)

// Subscription is a registered webhook endpoint. The secret never leaves
// the server: it is excluded from every JSON rendering.
type Subscription struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Description  *string           `json:"description,omitempty"`
	URL          string            `json:"url"`
	Secret       string            `json:"-"`
	Events       []string          `json:"events"`
	Filters      map[string]any    `json:"filters,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Active       bool              `json:"active"`
	MaxRetries   int               `json:"max_retries"`
	RetryBackoff int               `json:"retry_backoff"`
	Timeout      int               `json:"timeout"`

	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriptionCreate is the request body for registering a subscription.
type SubscriptionCreate struct {
	Name         string            `json:"name" binding:"required,min=1,max=255"`
	Description  *string           `json:"description"`
	URL          string            `json:"url" binding:"required"`
	Events       []string          `json:"events" binding:"required,min=1"`
	Secret       string            `json:"secret" binding:"omitempty,min=16,max=255"`
	Active       *bool             `json:"active"`
	Headers      map[string]string `json:"headers"`
	MaxRetries   *int              `json:"max_retries" binding:"omitempty,min=0,max=10"`
	RetryBackoff *int              `json:"retry_backoff" binding:"omitempty,min=10,max=3600"`
	Timeout      *int              `json:"timeout" binding:"omitempty,min=1,max=60"`
	Filters      map[string]any    `json:"filters"`
}

// SubscriptionUpdate is a partial patch; nil fields stay untouched.
type SubscriptionUpdate struct {
	Name         *string           `json:"name" binding:"omitempty,min=1,max=255"`
	Description  *string           `json:"description"`
	URL          *string           `json:"url"`
	Events       []string          `json:"events" binding:"omitempty,min=1"`
	Secret       *string           `json:"secret" binding:"omitempty,min=16,max=255"`
	Active       *bool             `json:"active"`
	Headers      map[string]string `json:"headers"`
	MaxRetries   *int              `json:"max_retries" binding:"omitempty,min=0,max=10"`
	RetryBackoff *int              `json:"retry_backoff" binding:"omitempty,min=10,max=3600"`
	Timeout      *int              `json:"timeout" binding:"omitempty,min=1,max=60"`
	Filters      map[string]any    `json:"filters"`
}

// Delivery is the immutable record of one POST attempt.
type Delivery struct {
	ID             int64           `json:"id"`
	SubscriptionID int64           `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	URL            string          `json:"url"`
	RequestMethod  string          `json:"request_method"`
	StatusCode     *int            `json:"status_code,omitempty"`
	Success        bool            `json:"success"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
	Attempt        int             `json:"attempt"`
	WillRetry      bool            `json:"will_retry"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeliveryFilter narrows a delivery log listing.
type DeliveryFilter struct {
	SubscriptionID *int64
	EventType      string
	SuccessOnly    *bool
	Limit          int
}

// Stats aggregates a subscription's delivery counters with recent history.
type Stats struct {
	SubscriptionID       int64      `json:"subscription_id"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	SuccessRate          *float64   `json:"success_rate"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	RecentDeliveries     []Delivery `json:"recent_deliveries"`
}

// EventPayload is the wire body POSTed to subscribers. Event id and
// timestamp are fixed when the event is triggered, not when an attempt
// happens to run.
type EventPayload struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Version   string `json:"version"`
	Data      any    `json:"data"`
}

// TestRequest is the body for the one-shot webhook test operation.
type TestRequest struct {
	URL     string            `json:"url" binding:"required"`
	Headers map[string]string `json:"headers"`
	Timeout int               `json:"timeout" binding:"omitempty,min=1,max=60"`
}

// TestResult reports the outcome of a one-shot test delivery.
type TestResult struct {
	Success      bool    `json:"success"`
	StatusCode   *int    `json:"status_code"`
	ResponseBody *string `json:"response_body"`
	DurationMS   int64   `json:"duration_ms"`
	ErrorMessage *string `json:"error_message"`
}

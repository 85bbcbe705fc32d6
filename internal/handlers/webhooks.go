package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/resource"
	"github.com/pulseframe/pulseframe/internal/webhooks"
)

// SubscriptionStore is the subscription service surface the handler needs.
type SubscriptionStore interface {
	Create(ctx context.Context, in webhooks.SubscriptionCreate) (webhooks.Subscription, error)
	Get(ctx context.Context, id int64) (webhooks.Subscription, error)
	List(ctx context.Context, activeOnly bool, eventType string) ([]webhooks.Subscription, error)
	Update(ctx context.Context, id int64, patch webhooks.SubscriptionUpdate) (webhooks.Subscription, error)
	Delete(ctx context.Context, id int64) error
	Deliveries(ctx context.Context, f webhooks.DeliveryFilter) ([]webhooks.Delivery, error)
	SubscriptionStats(ctx context.Context, id int64) (webhooks.Stats, error)
}

// WebhookTester performs a one-shot test delivery, bypassing the queue.
type WebhookTester interface {
	TestURL(ctx context.Context, in webhooks.TestRequest) webhooks.TestResult
}

// Webhooks serves subscription management, delivery history and testing.
type Webhooks struct {
	svc    SubscriptionStore
	tester WebhookTester
	log    zerolog.Logger
}

// NewWebhooks builds the webhooks handler.
func NewWebhooks(svc SubscriptionStore, tester WebhookTester, log zerolog.Logger) *Webhooks {
	return &Webhooks{svc: svc, tester: tester, log: log.With().Str("subsystem", "http").Logger()}
}

// Create handles POST /webhooks/subscriptions.
func (h *Webhooks) Create(c *gin.Context) {
	var in webhooks.SubscriptionCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	sub, err := h.svc.Create(c.Request.Context(), in)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// List handles GET /webhooks/subscriptions with active_only and event_type
// query filters.
func (h *Webhooks) List(c *gin.Context) {
	activeOnly := false
	if raw := c.Query("active_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "query parameter active_only must be a boolean")
			return
		}
		activeOnly = v
	}
	subs, err := h.svc.List(c.Request.Context(), activeOnly, c.Query("event_type"))
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// Get handles GET /webhooks/subscriptions/:id.
func (h *Webhooks) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sub, err := h.svc.Get(c.Request.Context(), id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Webhook subscription not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Update handles PATCH /webhooks/subscriptions/:id.
func (h *Webhooks) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var patch webhooks.SubscriptionUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		bindingFailed(c, err)
		return
	}
	sub, err := h.svc.Update(c.Request.Context(), id, patch)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Webhook subscription not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Delete handles DELETE /webhooks/subscriptions/:id. Delivery history
// survives the subscription.
func (h *Webhooks) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.svc.Delete(c.Request.Context(), id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Webhook subscription not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Deliveries handles GET /webhooks/deliveries with subscription_id,
// event_type, success_only and limit query filters.
func (h *Webhooks) Deliveries(c *gin.Context) {
	var f webhooks.DeliveryFilter
	if raw := c.Query("subscription_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "query parameter subscription_id must be an integer")
			return
		}
		f.SubscriptionID = &id
	}
	if raw := c.Query("success_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "query parameter success_only must be a boolean")
			return
		}
		f.SuccessOnly = &v
	}
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	f.EventType = c.Query("event_type")
	f.Limit = limit

	deliveries, err := h.svc.Deliveries(c.Request.Context(), f)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

// Stats handles GET /webhooks/subscriptions/:id/stats.
func (h *Webhooks) Stats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.svc.SubscriptionStats(c.Request.Context(), id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Webhook subscription not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Test handles POST /webhooks/test. The result reports failure in its body;
// the endpoint itself answers 200 whenever the request was well-formed.
func (h *Webhooks) Test(c *gin.Context) {
	var in webhooks.TestRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, h.tester.TestURL(c.Request.Context(), in))
}

// Events handles GET /webhooks/events, the subscribable-event reference.
func (h *Webhooks) Events(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": webhooks.EventTypes()})
}

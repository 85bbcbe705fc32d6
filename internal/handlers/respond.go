// Package handlers implements the HTTP surface: one handler struct per
// concern, each holding the services it needs. All error responses share
// the body shape {error, message}, where error is a stable machine code.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/database"
	"github.com/pulseframe/pulseframe/internal/filter"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/resource"
	"github.com/pulseframe/pulseframe/internal/webhooks"
)

// Machine-readable error codes carried in the error body.
const (
	codeValidation      = "validation_error"
	codeInvalidQuery    = "invalid_query"
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codePayloadTooLarge = "payload_too_large"
	codeUnavailable     = "unavailable"
	codeInternal        = "internal_error"
)

// abortJSON writes the shared error body and stops the handler chain.
func abortJSON(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// failed maps a service error onto the HTTP taxonomy. Errors without a
// mapping are logged and render an opaque 500 so internals never leak into
// response bodies.
func failed(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		abortJSON(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, filter.ErrInvalidQuery):
		abortJSON(c, http.StatusUnprocessableEntity, codeInvalidQuery, err.Error())
	case errors.Is(err, webhooks.ErrInvalidSubscription), errors.Is(err, webhooks.ErrNoFields):
		abortJSON(c, http.StatusUnprocessableEntity, codeValidation, err.Error())
	case errors.Is(err, queue.ErrNotCancelable):
		abortJSON(c, http.StatusBadRequest, codeConflict, "Task cannot be cancelled (already running or completed)")
	case database.IsUniqueViolation(err):
		abortJSON(c, http.StatusConflict, codeConflict, "resource already exists")
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		abortJSON(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

// bindingFailed renders a 422 for a body gin could not bind. Filter queries
// carry their own sentinel, so a malformed condition tree surfaces as
// invalid_query instead of a generic validation failure.
func bindingFailed(c *gin.Context, err error) {
	if errors.Is(err, filter.ErrInvalidQuery) {
		abortJSON(c, http.StatusUnprocessableEntity, codeInvalidQuery, err.Error())
		return
	}
	abortJSON(c, http.StatusUnprocessableEntity, codeValidation, err.Error())
}

// pathID parses the named numeric path segment.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "path parameter "+name+" must be an integer")
		return 0, false
	}
	return id, true
}

// pagination reads the skip/limit query pair with the listing defaults.
func pagination(c *gin.Context) (skip, limit int, ok bool) {
	if skip, ok = intQuery(c, "skip", 0); !ok {
		return 0, 0, false
	}
	if limit, ok = intQuery(c, "limit", 100); !ok {
		return 0, 0, false
	}
	return skip, limit, true
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "query parameter "+name+" must be an integer")
		return 0, false
	}
	return v, true
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/filter"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/resource"
)

// UsersService is the resource engine instantiated for the users kind.
type UsersService = resource.Service[models.User, models.UserCreate, models.UserUpdate, models.UserOut]

// UserDirectory resolves users by their natural keys. It backs the email
// lookup endpoint and the create-time conflict checks.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByProvider(ctx context.Context, provider, providerUserID string) (models.User, error)
}

// Users serves the users kind.
type Users struct {
	svc *UsersService
	dir UserDirectory
	log zerolog.Logger
}

// NewUsers builds the users handler.
func NewUsers(svc *UsersService, dir UserDirectory, log zerolog.Logger) *Users {
	return &Users{svc: svc, dir: dir, log: log.With().Str("subsystem", "http").Logger()}
}

// List handles GET /users/.
func (h *Users) List(c *gin.Context) {
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	rows, err := h.svc.List(c.Request.Context(), skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// PaginatedList handles GET /users/paginated/list, the listing with
// pagination metadata.
func (h *Users) PaginatedList(c *gin.Context) {
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	page, err := h.svc.ListPaginated(c.Request.Context(), skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get handles GET /users/:id.
func (h *Users) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := h.svc.GetByID(c.Request.Context(), id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("User with id %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetByEmail handles GET /users/email/:email.
func (h *Users) GetByEmail(c *gin.Context) {
	email := c.Param("email")
	row, err := h.dir.GetByEmail(c.Request.Context(), email)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("User with email %s not found", email))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Project(row))
}

// Create handles POST /users/. Natural-key conflicts are checked up front
// for friendly messages; the unique index still decides races.
func (h *Users) Create(c *gin.Context) {
	var in models.UserCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	ctx := c.Request.Context()

	if _, err := h.dir.GetByEmail(ctx, in.Email); err == nil {
		abortJSON(c, http.StatusConflict, codeConflict, "User with this email already exists")
		return
	} else if !errors.Is(err, resource.ErrNotFound) {
		failed(c, h.log, err)
		return
	}
	if _, err := h.dir.GetByProvider(ctx, in.Provider, in.ProviderUserID); err == nil {
		abortJSON(c, http.StatusConflict, codeConflict, "User with this provider ID already exists")
		return
	} else if !errors.Is(err, resource.ErrNotFound) {
		failed(c, h.log, err)
		return
	}

	out, err := h.svc.Create(ctx, in, true)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// Update handles PATCH /users/:id.
func (h *Users) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var patch models.UserUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		bindingFailed(c, err)
		return
	}
	out, err := h.svc.Update(c.Request.Context(), id, patch, true)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("User with id %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Delete handles DELETE /users/:id.
func (h *Users) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	deleted, err := h.svc.Delete(c.Request.Context(), id, true)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	if !deleted {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("User with id %d not found", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// Filter handles POST /users/filter.
func (h *Users) Filter(c *gin.Context) {
	var q filter.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		bindingFailed(c, err)
		return
	}
	rows, err := h.svc.Filter(c.Request.Context(), q)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// FilterPaginated handles POST /users/filter/paginated.
func (h *Users) FilterPaginated(c *gin.Context) {
	var q filter.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		bindingFailed(c, err)
		return
	}
	page, err := h.svc.FilterPaginated(c.Request.Context(), q)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

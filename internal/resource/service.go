// Package resource implements the generic CRUD engine shared by every
// registered kind (users, media, and anything wired up later).
//
// A Service binds together four collaborators, all injected through Config:
//
//   - Repository: the persistence layer for one kind (SQL in production,
//     an in-memory fake in tests)
//   - Broadcaster: the kind's realtime channel; every successful mutation
//     fans out a created/updated/deleted frame unless the caller opts out
//   - EventSink: the webhook dispatcher; mutations also trigger
//     "<prefix>.created" style events carrying the output shape
//   - Cache: an optional read-through cache keyed by id and by filter
//     fingerprint, invalidated wholesale on any mutation
//
// Mutations commit to the repository first. Fan-out (cache invalidation,
// channel broadcast, webhook trigger) happens after the write succeeds and
// is strictly best-effort: a failure there is logged with a structured
// warning and never surfaces to the API caller, because the data is already
// durable. No ordering is promised between the channel frame and the
// webhook delivery for the same mutation.
package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/cache"
	"github.com/pulseframe/pulseframe/internal/filter"
)

// ErrNotFound reports that the requested row does not exist. Repositories
// translate their driver's no-rows condition into this sentinel.
var ErrNotFound = errors.New("resource not found")

// Repository is the persistence contract a kind's storage layer implements.
// S is the stored shape, C the create input, U the partial update input.
type Repository[S, C, U any] interface {
	GetByID(ctx context.Context, id int64) (S, error)
	List(ctx context.Context, skip, limit int) ([]S, error)
	Insert(ctx context.Context, in C) (S, error)
	Update(ctx context.Context, id int64, patch U) (S, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Count(ctx context.Context) (int64, error)
	Select(ctx context.Context, q filter.Query) ([]S, error)
	CountWhere(ctx context.Context, q filter.Query) (int64, error)
}

// Broadcaster delivers realtime frames to the kind's channel subscribers.
type Broadcaster interface {
	Created(data any)
	Updated(data any)
	Deleted(id int64)
	Custom(event string, data any)
}

// EventSink receives application events for webhook fan-out.
type EventSink interface {
	Trigger(ctx context.Context, event string, data any)
}

// Page is one page of filtered results plus enough metadata for the client
// to keep paging.
type Page[O any] struct {
	Data    []O   `json:"data"`
	Total   int64 `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"has_more"`
}

// Config wires one kind into the engine. Kind names the cache namespace and
// log context, EventPrefix prefixes webhook event names (e.g. "user" yields
// user.created). Project maps the stored shape to the output shape used in
// responses, broadcasts, and webhook payloads. Channel, Events and Cache
// are optional; a nil collaborator disables that concern.
type Config[S, C, U, O any] struct {
	Kind        string
	EventPrefix string
	Repo        Repository[S, C, U]
	Project     func(S) O
	ID          func(S) int64
	Channel     Broadcaster
	Events      EventSink
	Cache       *cache.Cache
	Logger      zerolog.Logger
}

// Service is the engine instance for a single kind.
type Service[S, C, U, O any] struct {
	kind        string
	eventPrefix string
	repo        Repository[S, C, U]
	project     func(S) O
	id          func(S) int64
	channel     Broadcaster
	events      EventSink
	cache       *cache.Cache
	log         zerolog.Logger
}

// NewService builds a Service from the given wiring.
func NewService[S, C, U, O any](cfg Config[S, C, U, O]) *Service[S, C, U, O] {
	return &Service[S, C, U, O]{
		kind:        cfg.Kind,
		eventPrefix: cfg.EventPrefix,
		repo:        cfg.Repo,
		project:     cfg.Project,
		id:          cfg.ID,
		channel:     cfg.Channel,
		events:      cfg.Events,
		cache:       cfg.Cache,
		log:         cfg.Logger.With().Str("subsystem", "resource").Str("kind", cfg.Kind).Logger(),
	}
}

// Kind returns the kind name this service manages.
func (s *Service[S, C, U, O]) Kind() string { return s.kind }

// GetByID fetches one row, reading through the cache when enabled.
func (s *Service[S, C, U, O]) GetByID(ctx context.Context, id int64) (O, error) {
	var out O
	key := fmt.Sprintf("%s:%d", s.kind, id)
	if s.cache.Get(ctx, key, &out) {
		return out, nil
	}
	row, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return out, err
	}
	out = s.project(row)
	s.cache.Set(ctx, key, out)
	return out, nil
}

// List returns up to limit rows starting at skip, in id order. A limit above
// the filter ceiling is rejected the same way an oversized filter would be.
// Pages are cached per (skip, limit).
func (s *Service[S, C, U, O]) List(ctx context.Context, skip, limit int) ([]O, error) {
	skip, limit, err := clampPage(skip, limit)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:all:%d:%d", s.kind, skip, limit)
	var out []O
	if s.cache.Get(ctx, key, &out) {
		return out, nil
	}
	rows, err := s.repo.List(ctx, skip, limit)
	if err != nil {
		return nil, err
	}
	out = s.projectAll(rows)
	s.cache.Set(ctx, key, out)
	return out, nil
}

// ListPaginated returns one listing page wrapped with the total row count
// and a has_more flag.
func (s *Service[S, C, U, O]) ListPaginated(ctx context.Context, skip, limit int) (Page[O], error) {
	skip, limit, err := clampPage(skip, limit)
	if err != nil {
		return Page[O]{}, err
	}
	key := fmt.Sprintf("%s:allp:%d:%d", s.kind, skip, limit)
	var page Page[O]
	if s.cache.Get(ctx, key, &page) {
		return page, nil
	}
	rows, err := s.repo.List(ctx, skip, limit)
	if err != nil {
		return Page[O]{}, err
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return Page[O]{}, err
	}
	page = Page[O]{
		Data:    s.projectAll(rows),
		Total:   total,
		Limit:   limit,
		Offset:  skip,
		HasMore: int64(skip+len(rows)) < total,
	}
	s.cache.Set(ctx, key, page)
	return page, nil
}

func clampPage(skip, limit int) (int, int, error) {
	if limit <= 0 {
		limit = filter.DefaultLimit
	}
	if limit > filter.MaxLimit {
		return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", filter.ErrInvalidQuery, filter.MaxLimit)
	}
	if skip < 0 {
		skip = 0
	}
	return skip, limit, nil
}

// Create inserts a row, then fans out the created event. When broadcast is
// false the channel frame is suppressed but the webhook trigger still fires.
func (s *Service[S, C, U, O]) Create(ctx context.Context, in C, broadcast bool) (O, error) {
	var out O
	row, err := s.repo.Insert(ctx, in)
	if err != nil {
		return out, err
	}
	out = s.project(row)
	s.invalidate(ctx)
	if broadcast && s.channel != nil {
		s.channel.Created(out)
	}
	s.trigger(ctx, "created", out)
	return out, nil
}

// Update applies a partial patch, then fans out the updated event.
func (s *Service[S, C, U, O]) Update(ctx context.Context, id int64, patch U, broadcast bool) (O, error) {
	var out O
	row, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return out, err
	}
	out = s.project(row)
	s.invalidate(ctx)
	if broadcast && s.channel != nil {
		s.channel.Updated(out)
	}
	s.trigger(ctx, "updated", out)
	return out, nil
}

// Delete removes a row. It reports false when the row did not exist, in
// which case nothing is broadcast.
func (s *Service[S, C, U, O]) Delete(ctx context.Context, id int64, broadcast bool) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	s.invalidate(ctx)
	if broadcast && s.channel != nil {
		s.channel.Deleted(id)
	}
	s.trigger(ctx, "deleted", map[string]any{"id": id})
	return true, nil
}

// Count returns the total number of rows for the kind.
func (s *Service[S, C, U, O]) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// Filter runs a normalized filter query and returns the bare result list.
// Results are cached per query fingerprint.
func (s *Service[S, C, U, O]) Filter(ctx context.Context, q filter.Query) ([]O, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:filter:%s", s.kind, q.Fingerprint())
	var out []O
	if s.cache.Get(ctx, key, &out) {
		return out, nil
	}
	rows, err := s.repo.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	out = s.projectAll(rows)
	s.cache.Set(ctx, key, out)
	return out, nil
}

// FilterPaginated runs a filter query and wraps the results in a Page with
// the total match count and a has_more flag.
func (s *Service[S, C, U, O]) FilterPaginated(ctx context.Context, q filter.Query) (Page[O], error) {
	if err := q.Normalize(); err != nil {
		return Page[O]{}, err
	}
	key := fmt.Sprintf("%s:filterp:%s", s.kind, q.Fingerprint())
	var page Page[O]
	if s.cache.Get(ctx, key, &page) {
		return page, nil
	}
	rows, err := s.repo.Select(ctx, q)
	if err != nil {
		return Page[O]{}, err
	}
	total, err := s.repo.CountWhere(ctx, q)
	if err != nil {
		return Page[O]{}, err
	}
	limit, offset := q.Page()
	page = Page[O]{
		Data:    s.projectAll(rows),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+len(rows)) < total,
	}
	s.cache.Set(ctx, key, page)
	return page, nil
}

// CountFiltered returns the number of rows matching the filter conditions,
// ignoring pagination.
func (s *Service[S, C, U, O]) CountFiltered(ctx context.Context, q filter.Query) (int64, error) {
	if err := q.Normalize(); err != nil {
		return 0, err
	}
	return s.repo.CountWhere(ctx, q)
}

// Project exposes the kind's projection for callers that fetch rows through
// kind-specific finders but still respond with the output shape.
func (s *Service[S, C, U, O]) Project(row S) O { return s.project(row) }

// ProjectAll projects a slice of stored rows.
func (s *Service[S, C, U, O]) ProjectAll(rows []S) []O { return s.projectAll(rows) }

func (s *Service[S, C, U, O]) projectAll(rows []S) []O {
	out := make([]O, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.project(row))
	}
	return out
}

func (s *Service[S, C, U, O]) invalidate(ctx context.Context) {
	if err := s.cache.InvalidatePrefix(ctx, s.kind); err != nil {
		s.log.Warn().Err(err).Msg("cache invalidation failed")
	}
}

func (s *Service[S, C, U, O]) trigger(ctx context.Context, action string, data any) {
	if s.events == nil || s.eventPrefix == "" {
		return
	}
	s.events.Trigger(ctx, s.eventPrefix+"."+action, data)
}

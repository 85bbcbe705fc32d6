package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/filter"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/resource"
)

const mediaColumns = "id, filename, storage_path, file_size, mime_type, file_type, description, alt_text, user_id, storage_backend, is_public, is_active, created_at, updated_at"

// MediaSchema is the static filter column table for the media kind.
func MediaSchema() *filter.Schema {
	return filter.NewSchema("media",
		filter.Column{Name: "id", SQL: "id", Type: filter.Int},
		filter.Column{Name: "filename", SQL: "filename", Type: filter.Text},
		filter.Column{Name: "storage_path", SQL: "storage_path", Type: filter.Text},
		filter.Column{Name: "file_size", SQL: "file_size", Type: filter.Int},
		filter.Column{Name: "mime_type", SQL: "mime_type", Type: filter.Text},
		filter.Column{Name: "file_type", SQL: "file_type", Type: filter.Text},
		filter.Column{Name: "description", SQL: "description", Type: filter.Text},
		filter.Column{Name: "alt_text", SQL: "alt_text", Type: filter.Text},
		filter.Column{Name: "user_id", SQL: "user_id", Type: filter.Int},
		filter.Column{Name: "storage_backend", SQL: "storage_backend", Type: filter.Text},
		filter.Column{Name: "is_public", SQL: "is_public", Type: filter.Bool},
		filter.Column{Name: "is_active", SQL: "is_active", Type: filter.Bool},
		filter.Column{Name: "created_at", SQL: "created_at", Type: filter.Time},
		filter.Column{Name: "updated_at", SQL: "updated_at", Type: filter.Time},
	)
}

// MediaRepo is the Postgres persistence layer for the media kind.
type MediaRepo struct {
	db      *DB
	builder *filter.Builder
}

// NewMediaRepo builds the media repository.
func NewMediaRepo(db *DB, log zerolog.Logger) *MediaRepo {
	return &MediaRepo{
		db:      db,
		builder: filter.NewBuilder(MediaSchema(), log),
	}
}

func scanMedia(row rowScanner) (models.Media, error) {
	var m models.Media
	err := row.Scan(
		&m.ID, &m.Filename, &m.StoragePath, &m.FileSize, &m.MimeType, &m.FileType,
		&m.Description, &m.AltText, &m.UserID, &m.StorageBackend,
		&m.IsPublic, &m.IsActive, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Media{}, resource.ErrNotFound
	}
	if err != nil {
		return models.Media{}, fmt.Errorf("scan media: %w", err)
	}
	return m, nil
}

// GetByID fetches one media row.
func (r *MediaRepo) GetByID(ctx context.Context, id int64) (models.Media, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media WHERE id = $1", id)
	return scanMedia(row)
}

// List returns media rows in id order.
func (r *MediaRepo) List(ctx context.Context, skip, limit int) ([]models.Media, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media ORDER BY id ASC LIMIT $1 OFFSET $2", limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// ListByUser returns the media rows owned by one user.
func (r *MediaRepo) ListByUser(ctx context.Context, userID int64, skip, limit int) ([]models.Media, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE user_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3",
		userID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list media by user: %w", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// ListByType returns media rows of one file type class (image, video, ...).
func (r *MediaRepo) ListByType(ctx context.Context, fileType string, skip, limit int) ([]models.Media, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE file_type = $1 ORDER BY id ASC LIMIT $2 OFFSET $3",
		fileType, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list media by type: %w", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// ListPublic returns active, publicly visible media rows.
func (r *MediaRepo) ListPublic(ctx context.Context, skip, limit int) ([]models.Media, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE is_public AND is_active ORDER BY id ASC LIMIT $1 OFFSET $2",
		limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list public media: %w", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// Insert creates a media row.
func (r *MediaRepo) Insert(ctx context.Context, in models.MediaCreate) (models.Media, error) {
	backend := in.StorageBackend
	if backend == "" {
		backend = models.StorageBackendLocal
	}
	isPublic := false
	if in.IsPublic != nil {
		isPublic = *in.IsPublic
	}
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO media (filename, storage_path, file_size, mime_type, file_type, description, alt_text, user_id, storage_backend, is_public)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+mediaColumns,
		in.Filename, in.StoragePath, in.FileSize, in.MimeType, in.FileType,
		in.Description, in.AltText, in.UserID, backend, isPublic)
	return scanMedia(row)
}

// Update writes the non-nil patch fields. An empty patch returns the row
// unchanged.
func (r *MediaRepo) Update(ctx context.Context, id int64, patch models.MediaUpdate) (models.Media, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Filename != nil {
		set("filename", *patch.Filename)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.AltText != nil {
		set("alt_text", *patch.AltText)
	}
	if patch.FileSize != nil {
		set("file_size", *patch.FileSize)
	}
	if patch.IsPublic != nil {
		set("is_public", *patch.IsPublic)
	}
	if patch.IsActive != nil {
		set("is_active", *patch.IsActive)
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE media SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), mediaColumns)
	return scanMedia(r.db.QueryRowContext(ctx, query, args...))
}

// Delete removes a media row, reporting whether it existed.
func (r *MediaRepo) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM media WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete media: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete media: %w", err)
	}
	return n > 0, nil
}

// Count returns the total media count.
func (r *MediaRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media").Scan(&n); err != nil {
		return 0, fmt.Errorf("count media: %w", err)
	}
	return n, nil
}

// Select runs a filter query against the media table.
func (r *MediaRepo) Select(ctx context.Context, q filter.Query) ([]models.Media, error) {
	query, args, err := buildSelect(r.builder, &q, mediaColumns, "media")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter media: %w", err)
	}
	defer rows.Close()
	return collectMedia(rows)
}

// CountWhere counts rows matching the filter conditions.
func (r *MediaRepo) CountWhere(ctx context.Context, q filter.Query) (int64, error) {
	query, args, err := buildCount(r.builder, &q, "media")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count media: %w", err)
	}
	return n, nil
}

func collectMedia(rows *sql.Rows) ([]models.Media, error) {
	var out []models.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return out, nil
}

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

const userColumns = "id, provider, provider_user_id, email, name, picture, is_active, is_verified, created_at, updated_at"

// UserSchema is the static filter column table for the users kind. Every
// filterable field is listed here; anything else is dropped with a warning.
func UserSchema() *filter.Schema {
	return filter.NewSchema("users",
		filter.Column{Name: "id", SQL: "id", Type: filter.Int},
		filter.Column{Name: "provider", SQL: "provider", Type: filter.Text},
		filter.Column{Name: "provider_user_id", SQL: "provider_user_id", Type: filter.Text},
		filter.Column{Name: "email", SQL: "email", Type: filter.Text},
		filter.Column{Name: "name", SQL: "name", Type: filter.Text},
		filter.Column{Name: "picture", SQL: "picture", Type: filter.Text},
		filter.Column{Name: "is_active", SQL: "is_active", Type: filter.Bool},
		filter.Column{Name: "is_verified", SQL: "is_verified", Type: filter.Bool},
		filter.Column{Name: "created_at", SQL: "created_at", Type: filter.Time},
		filter.Column{Name: "updated_at", SQL: "updated_at", Type: filter.Time},
	)
}

// UsersRepo is the Postgres persistence layer for the users kind.
type UsersRepo struct {
	db      *DB
	builder *filter.Builder
}

// NewUsersRepo builds the users repository.
func NewUsersRepo(db *DB, log zerolog.Logger) *UsersRepo {
	return &UsersRepo{
		db:      db,
		builder: filter.NewBuilder(UserSchema(), log),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID, &u.Provider, &u.ProviderUserID, &u.Email, &u.Name, &u.Picture,
		&u.IsActive, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, resource.ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetByID fetches one user.
func (r *UsersRepo) GetByID(ctx context.Context, id int64) (models.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	return scanUser(row)
}

// GetByEmail fetches one user by email.
func (r *UsersRepo) GetByEmail(ctx context.Context, email string) (models.User, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
	return scanUser(row)
}

// GetByProvider fetches one user by its identity provider pair.
func (r *UsersRepo) GetByProvider(ctx context.Context, provider, providerUserID string) (models.User, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE provider = $1 AND provider_user_id = $2",
		provider, providerUserID)
	return scanUser(row)
}

// List returns users in id order.
func (r *UsersRepo) List(ctx context.Context, skip, limit int) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY id ASC LIMIT $1 OFFSET $2", limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// Insert creates a user row. A duplicate email or provider pair surfaces as
// a unique violation the handler maps to 409.
func (r *UsersRepo) Insert(ctx context.Context, in models.UserCreate) (models.User, error) {
	isActive := true
	if in.IsActive != nil {
		isActive = *in.IsActive
	}
	isVerified := false
	if in.IsVerified != nil {
		isVerified = *in.IsVerified
	}
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (provider, provider_user_id, email, name, picture, is_active, is_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+userColumns,
		in.Provider, in.ProviderUserID, in.Email, in.Name, in.Picture, isActive, isVerified)
	return scanUser(row)
}

// Update writes the non-nil patch fields. An empty patch returns the row
// unchanged.
func (r *UsersRepo) Update(ctx context.Context, id int64, patch models.UserUpdate) (models.User, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Provider != nil {
		set("provider", *patch.Provider)
	}
	if patch.ProviderUserID != nil {
		set("provider_user_id", *patch.ProviderUserID)
	}
	if patch.Email != nil {
		set("email", *patch.Email)
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Picture != nil {
		set("picture", *patch.Picture)
	}
	if patch.IsActive != nil {
		set("is_active", *patch.IsActive)
	}
	if patch.IsVerified != nil {
		set("is_verified", *patch.IsVerified)
	}
	if len(sets) == 0 {
		return r.GetByID(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), userColumns)
	return scanUser(r.db.QueryRowContext(ctx, query, args...))
}

// Delete removes a user, reporting whether a row existed.
func (r *UsersRepo) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	return n > 0, nil
}

// Count returns the total user count.
func (r *UsersRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// Select runs a filter query against the users table.
func (r *UsersRepo) Select(ctx context.Context, q filter.Query) ([]models.User, error) {
	query, args, err := buildSelect(r.builder, &q, userColumns, "users")
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// CountWhere counts rows matching the filter conditions.
func (r *UsersRepo) CountWhere(ctx context.Context, q filter.Query) (int64, error) {
	query, args, err := buildCount(r.builder, &q, "users")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func collectUsers(rows *sql.Rows) ([]models.User, error) {
	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// buildSelect assembles a full filtered SELECT with ordering and paging.
func buildSelect(b *filter.Builder, q *filter.Query, columns, table string) (string, []any, error) {
	where, args, err := b.Where(q, 0)
	if err != nil {
		return "", nil, err
	}
	order, err := b.OrderBy(q)
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT " + columns + " FROM " + table)
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	sb.WriteString(" " + order)
	limit, offset := q.Page()
	args = append(args, limit, offset)
	fmt.Fprintf(&sb, " LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return sb.String(), args, nil
}

// buildCount assembles the matching COUNT query, ignoring paging.
func buildCount(b *filter.Builder, q *filter.Query, table string) (string, []any, error) {
	where, args, err := b.Where(q, 0)
	if err != nil {
		return "", nil, err
	}
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	return query, args, nil
}

package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/filter"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/resource"
)

func newMockRepo(t *testing.T) (*UsersRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewUsersRepo(Wrap(db, zerolog.Nop()), zerolog.Nop()), mock
}

func userRowColumns() []string {
	return []string{
		"id", "provider", "provider_user_id", "email", "name", "picture",
		"is_active", "is_verified", "created_at", "updated_at",
	}
}

func sampleUserRow(id int64, email string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(userRowColumns()).
		AddRow(id, "google", "g-123", email, nil, nil, true, false, now, now)
}

func TestUsersGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sampleUserRow(7, "a@example.com"))

	u, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Nil(t, u.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE id = $1")).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(userRowColumns()))

	_, err := repo.GetByID(context.Background(), 404)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestUsersInsertAppliesDefaults(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("google", "g-123", "a@example.com", nil, nil, true, false).
		WillReturnRows(sampleUserRow(1, "a@example.com"))

	u, err := repo.Insert(context.Background(), models.UserCreate{
		Provider:       "google",
		ProviderUserID: "g-123",
		Email:          "a@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.True(t, u.IsActive)
	assert.False(t, u.IsVerified)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersInsertUniqueViolation(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	_, err := repo.Insert(context.Background(), models.UserCreate{
		Provider:       "google",
		ProviderUserID: "g-123",
		Email:          "dup@example.com",
	})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestUsersUpdateWritesOnlyPatchedFields(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE users SET email = $1, is_active = $2, updated_at = now() WHERE id = $3 RETURNING "+userColumns)).
		WithArgs("new@example.com", false, int64(7)).
		WillReturnRows(sampleUserRow(7, "new@example.com"))

	email := "new@example.com"
	active := false
	u, err := repo.Update(context.Background(), 7, models.UserUpdate{Email: &email, IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersUpdateEmptyPatchReturnsRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+userColumns+" FROM users WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sampleUserRow(7, "a@example.com"))

	u, err := repo.Update(context.Background(), 7, models.UserUpdate{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersDelete(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = $1")).
		WithArgs(int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := repo.Delete(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUsersSelectRendersFilter(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT "+userColumns+" FROM users WHERE email ILIKE $1 AND is_active = $2 ORDER BY created_at DESC, id ASC LIMIT $3 OFFSET $4")).
		WithArgs("%example%", true, 25, 0).
		WillReturnRows(sampleUserRow(1, "a@example.com"))

	limit := 25
	q := filter.Query{
		Conditions: filter.NodeList{
			&filter.Condition{Field: "email", Operator: filter.OpIContains, Value: "example"},
			&filter.Condition{Field: "is_active", Operator: filter.OpEq, Value: true},
		},
		OrderBy:        "created_at",
		OrderDirection: "desc",
		Limit:          &limit,
	}
	require.NoError(t, q.Normalize())

	users, err := repo.Select(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersCountWhere(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE is_verified = $1")).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	q := filter.Query{
		Conditions: filter.NodeList{
			&filter.Condition{Field: "is_verified", Operator: filter.OpEq, Value: true},
		},
	}
	require.NoError(t, q.Normalize())

	n, err := repo.CountWhere(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

// Package database owns the Postgres connection and the per-kind
// repositories. The resource engine talks to repositories through the
// interface in internal/resource; everything SQL-shaped lives here.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps *sql.DB with schema bootstrap and shared helpers.
type DB struct {
	*sql.DB
	log zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string, log zerolog.Logger) (*DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db, log: log.With().Str("component", "database").Logger()}, nil
}

// Wrap adopts an existing sql.DB. Used by tests with sqlmock.
func Wrap(db *sql.DB, log zerolog.Logger) *DB {
	return &DB{DB: db, log: log.With().Str("component", "database").Logger()}
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent, so
// running it on every startup is safe.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	d.log.Info().Msg("database schema ensured")
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-key conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions sizes the pgx pool. Zero values take the defaults below.
type PoolOptions struct {
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Connect opens and pings a pgx pool.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// schemaStatements create the tables the repositories read. Every statement is
// idempotent so EnsureSchema can run on each start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT,
	student_id    TEXT,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'user',
	status        TEXT NOT NULL DEFAULT 'active',
	real_name     TEXT,
	college       TEXT,
	major         TEXT,
	class_name    TEXT,
	jwxt_username TEXT,
	jwxt_password TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS real_name TEXT`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS college TEXT`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS major TEXT`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS class_name TEXT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email)) WHERE email IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_student_id_idx ON users (student_id) WHERE student_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS announcements (
	id         BIGSERIAL PRIMARY KEY,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	pinned     BOOLEAN NOT NULL DEFAULT false,
	published  BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

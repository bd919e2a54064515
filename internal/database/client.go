// Package database provides the PostgreSQL client backing the school roster
// and the shared distance cache, with connection pooling and health checks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Client wraps a PostgreSQL database connection
type Client struct {
	db *sql.DB
}

// NewClient creates a new database client with connection pooling
func NewClient(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (also failed to close: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// NewClientFromDB wraps an already opened handle.
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// HealthCheck verifies database connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schools (
		id         BIGINT PRIMARY KEY,
		name       TEXT NOT NULL,
		latitude   DOUBLE PRECISION NOT NULL,
		longitude  DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS distance_cache (
		origin_lat       NUMERIC(10, 7) NOT NULL,
		origin_lng       NUMERIC(10, 7) NOT NULL,
		school_id        BIGINT NOT NULL,
		distance_km      NUMERIC(10, 2) NOT NULL,
		duration_minutes DOUBLE PRECISION,
		source           TEXT NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT distance_cache_origin_school_key UNIQUE (origin_lat, origin_lng, school_id)
	)`,
	`CREATE INDEX IF NOT EXISTS distance_cache_origin_idx ON distance_cache (origin_lat, origin_lng)`,
}

// Migrate creates the tables the service needs if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			firstLine := strings.SplitN(strings.TrimSpace(stmt), "\n", 2)[0]
			return fmt.Errorf("migration failed (%s): %w", firstLine, err)
		}
	}
	return nil
}

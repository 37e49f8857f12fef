// Package store handles counter storage for rate limiting and the profile
// lookups behind the analytics endpoint.
//
// postgres.go -- pgxpool connection setup and profile queries.
// The profiles table is owned by the identity provider's database; this
// service only reads from it. All queries use parameterized statements.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads user profiles from Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and verifies it with a ping.
// Call once at startup; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// GetProfileRole returns the role column for the given user.
// Returns ErrProfileNotFound if no profile row exists.
func (s *PostgresStore) GetProfileRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var role *string
	err := s.pool.QueryRow(ctx,
		"SELECT role FROM profiles WHERE id = $1",
		userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProfileNotFound
		}
		return "", fmt.Errorf("fetching profile role: %w", err)
	}
	// NULL role is an unprivileged profile.
	if role == nil {
		return "", nil
	}
	return *role, nil
}

// CheckHealth pings the pool.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	return nil
}

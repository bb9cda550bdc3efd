package auth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// GetByHash returns the active key with the given hash.
func (s *PostgresStore) GetByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_id, key_hash, rate_limit, active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active
	`, keyHash).Scan(&k.ID, &k.OwnerID, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

// Create inserts apiKey. Re-creating an existing hash is a no-op that
// returns ErrKeyExists.
func (s *PostgresStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" || apiKey.OwnerID == "" {
		return fmt.Errorf("key_hash and owner_id are required")
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO api_keys (owner_id, key_hash, rate_limit, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key_hash) DO NOTHING
		RETURNING id, created_at
	`, apiKey.OwnerID, apiKey.KeyHash, apiKey.RateLimit, apiKey.Active).Scan(&apiKey.ID, &apiKey.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrKeyExists
	case err != nil:
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// Revoke deactivates one of ownerID's keys.
func (s *PostgresStore) Revoke(ctx context.Context, ownerID, keyID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE api_keys SET active = false WHERE id = $1 AND owner_id = $2`, keyID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

//go:embed schema.sql
var schema string

// Migrate creates the api_keys table when it does not exist.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate api_keys table: %w", err)
	}
	return nil
}

package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresAPIKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAPIKeyRepo(db *pgxpool.Pool) *PostgresAPIKeyRepo {
	return &PostgresAPIKeyRepo{db: db}
}

func (r *PostgresAPIKeyRepo) FindByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	err := r.db.QueryRow(ctx, `
		SELECT id, name, key_hash, is_active, expires_at, permissions, rate_limit, created_at
		FROM api_keys
		WHERE key_hash = $1
	`, hash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.IsActive, &k.ExpiresAt, &k.Permissions, &k.RateLimit, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *PostgresAPIKeyRepo) Create(ctx context.Context, k *APIKey) error {
	if k.Permissions == nil {
		k.Permissions = []string{}
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO api_keys (id, name, key_hash, is_active, expires_at, permissions, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, k.ID, k.Name, k.KeyHash, k.IsActive, k.ExpiresAt, k.Permissions, k.RateLimit).Scan(&k.CreatedAt)
}

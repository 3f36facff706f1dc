package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository persists service tokens in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgRepository)(nil)

// NewPgRepository constructs the repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Insert(ctx context.Context, token ServiceToken) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO service_tokens (id, name, secret_hash, user_id, organization_id, is_active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID, token.Name, token.SecretHash, token.UserID, token.OrganizationID, token.IsActive, token.CreatedAt)
	return err
}

func (r *PgRepository) Get(ctx context.Context, id string) (ServiceToken, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, secret_hash, user_id, organization_id, is_active, last_used_at, created_at FROM service_tokens WHERE id = $1`, id)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServiceToken{}, ErrNotFound
	}
	return token, err
}

func (r *PgRepository) List(ctx context.Context, organizationID int64) ([]ServiceToken, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, secret_hash, user_id, organization_id, is_active, last_used_at, created_at FROM service_tokens WHERE organization_id = $1 ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []ServiceToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (r *PgRepository) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE service_tokens SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE service_tokens SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func scanToken(row pgx.Row) (ServiceToken, error) {
	var (
		t        ServiceToken
		lastUsed *time.Time
	)
	if err := row.Scan(&t.ID, &t.Name, &t.SecretHash, &t.UserID, &t.OrganizationID, &t.IsActive, &lastUsed, &t.CreatedAt); err != nil {
		return ServiceToken{}, err
	}
	if lastUsed != nil {
		t.LastUsedAt = *lastUsed
	}
	return t, nil
}

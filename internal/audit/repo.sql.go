package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository persists audit entries in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgRepository)(nil)

// NewPgRepository constructs the repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Insert appends entries. There is no update or delete path on this table.
func (r *PgRepository) Insert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		before, err := marshalChange(e.Before)
		if err != nil {
			return err
		}
		after, err := marshalChange(e.After)
		if err != nil {
			return err
		}
		_, err = r.pool.Exec(ctx, `INSERT INTO audit_entries (action, entity, entity_id, actor_id, before, after, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, e.Action, e.Entity, e.EntityID, e.ActorID, before, after, e.At)
		if err != nil {
			return fmt.Errorf("audit: insert entry: %w", err)
		}
	}
	return nil
}

// Window returns entries matching the filters, newest first, with offset
// paging.
func (r *PgRepository) Window(ctx context.Context, filters Filters, offset, limit int) ([]Entry, error) {
	query, args := buildQuery(filters)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.query(ctx, query, args)
}

// All returns every entry matching the filters, newest first.
func (r *PgRepository) All(ctx context.Context, filters Filters) ([]Entry, error) {
	query, args := buildQuery(filters)
	query += " ORDER BY at DESC, id DESC"
	return r.query(ctx, query, args)
}

func buildQuery(filters Filters) (string, []any) {
	query := `SELECT id, action, entity, entity_id, actor_id, before, after, at FROM audit_entries WHERE 1=1`
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if !filters.From.IsZero() {
		add("at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("at < $%d", filters.To)
	}
	if filters.ActorID != 0 {
		add("actor_id = $%d", filters.ActorID)
	}
	if e := strings.TrimSpace(filters.Entity); e != "" {
		add("entity = $%d", e)
	}
	if a := strings.TrimSpace(filters.Action); a != "" {
		add("action = $%d", a)
	}
	return query, args
}

func (r *PgRepository) query(ctx context.Context, query string, args []any) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e      Entry
		before []byte
		after  []byte
	)
	if err := row.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID, &e.ActorID, &before, &after, &e.At); err != nil {
		return Entry{}, err
	}
	if len(before) > 0 {
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return Entry{}, fmt.Errorf("audit: decode before: %w", err)
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &e.After); err != nil {
			return Entry{}, fmt.Errorf("audit: decode after: %w", err)
		}
	}
	return e, nil
}

func marshalChange(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("audit: encode change: %w", err)
	}
	return raw, nil
}

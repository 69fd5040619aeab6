package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PGBackend persists entities as JSONB documents in PostgreSQL.
type PGBackend struct {
	pool *pgxpool.Pool
}

// NewPGBackend constructs PGBackend.
func NewPGBackend(pool *pgxpool.Pool) *PGBackend {
	return &PGBackend{pool: pool}
}

// EnsureSchema creates the entity, unique claim, audit and parameter tables when missing.
func (b *PGBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Begin opens a read-committed transaction.
func (b *PGBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, key Key) (Record, error) {
	rec := Record{Key: key}
	err := t.tx.QueryRow(ctx, `SELECT version, body FROM store_entities WHERE kind = $1 AND id = $2`, key.Kind, key.ID).
		Scan(&rec.Version, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Put runs inside a nested transaction so a unique violation leaves the outer one usable.
func (t *pgTx) Put(ctx context.Context, rec Record) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = nested.Rollback(ctx)
	}()

	_, err = nested.Exec(ctx, `
INSERT INTO store_entities (kind, id, version, body, updated_at)
VALUES ($1, $2, 1, $3, NOW())
ON CONFLICT (kind, id) DO UPDATE
SET body = EXCLUDED.body, version = store_entities.version + 1, updated_at = NOW()`,
		rec.Key.Kind, rec.Key.ID, rec.Data)
	if err != nil {
		return err
	}
	if _, err := nested.Exec(ctx, `DELETE FROM store_uniques WHERE kind = $1 AND id = $2`, rec.Key.Kind, rec.Key.ID); err != nil {
		return err
	}
	for _, claim := range rec.Claims {
		_, err := nested.Exec(ctx, `INSERT INTO store_uniques (constraint_name, value, kind, id) VALUES ($1, $2, $3, $4)`,
			claim.Constraint, claim.Value, rec.Key.Kind, rec.Key.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return claimError(claim)
			}
			return err
		}
	}
	return nested.Commit(ctx)
}

func (t *pgTx) Delete(ctx context.Context, key Key) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM store_uniques WHERE kind = $1 AND id = $2`, key.Kind, key.ID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM store_entities WHERE kind = $1 AND id = $2`, key.Kind, key.ID)
	return err
}

func (t *pgTx) Query(ctx context.Context, kind string, match map[string]any) ([]Record, error) {
	filter := match
	if filter == nil {
		filter = map[string]any{}
	}
	payload, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `SELECT id, version, body FROM store_entities WHERE kind = $1 AND body @> $2::jsonb ORDER BY id`, kind, payload)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id  uuid.UUID
			rec Record
		)
		if err := rows.Scan(&id, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		rec.Key = Key{Kind: kind, ID: id}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pgTx) Max(ctx context.Context, kind, field string) (int64, error) {
	var max int64
	err := t.tx.QueryRow(ctx, `
SELECT COALESCE(MAX((body->>$2)::bigint), 0)
FROM store_entities
WHERE kind = $1 AND jsonb_typeof(body->$2) = 'number'`, kind, field).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (t *pgTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	return err
}

func (t *pgTx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+pgx.Identifier{name}.Sanitize())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "3B001" {
		return ErrSavepointNotFound
	}
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

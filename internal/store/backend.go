package store

import "context"

// Record is the persisted form of an entity.
type Record struct {
	Key     Key
	Version int64
	Data    []byte
	Claims  []UniqueClaim
}

// Backend opens transactions against the authoritative store.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a backend transaction with read-committed visibility of other transactions.
type Tx interface {
	Get(ctx context.Context, key Key) (Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key Key) error
	// Query returns records of kind whose top-level JSON fields equal every match value.
	Query(ctx context.Context, kind string, match map[string]any) ([]Record, error)
	// Max returns the highest integer stored in field across records of kind, zero when none.
	Max(ctx context.Context, kind, field string) (int64, error)
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

package params

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Source loads and stores raw parameter values.
type Source interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, key, value string) error
}

// PGSource reads the parameters table.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource constructs PGSource.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// Load returns every stored key/value pair.
func (s *PGSource) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM parameters`)
	if err != nil {
		return nil, fmt.Errorf("params: load: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Save upserts one parameter.
func (s *PGSource) Save(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO parameters (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("params: save %s: %w", key, err)
	}
	return nil
}

// MapSource keeps parameters in memory.
type MapSource struct {
	mu     sync.Mutex
	values map[string]string
	loads  int
}

// NewMapSource constructs a MapSource seeded with values.
func NewMapSource(values map[string]string) *MapSource {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &MapSource{values: copied}
}

func (s *MapSource) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MapSource) Save(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Loads reports how many times Load ran.
func (s *MapSource) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

package db

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgx/v5/pgxpool"
)

// New creates a new PostgreSQL connection pool. When the DSN carries no
// password and passfile names a readable pgpass file, the matching entry is used.
func New(ctx context.Context, dsn, passfile string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}

	if config.ConnConfig.Password == "" && passfile != "" {
		password, err := LookupPassword(passfile, config.ConnConfig.Host, config.ConnConfig.Port, config.ConnConfig.Database, config.ConnConfig.User)
		if err != nil {
			return nil, err
		}
		config.ConnConfig.Password = password
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}

// LookupPassword returns the pgpass entry matching the connection, or "" when
// none matches. A missing file is not an error.
func LookupPassword(path, host string, port uint16, database, user string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	pf, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		return "", fmt.Errorf("platform/db: read passfile: %w", err)
	}
	return pf.FindPassword(host, strconv.Itoa(int(port)), database, user), nil
}

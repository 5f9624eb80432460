package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func sqlDriverName(dbType string) (string, error) {
	switch dbType {
	case "sqlite":
		return "sqlite", nil
	case "postgres":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// RelationalStore is the Persistence Store (§4.5) backed by sqlite or
// postgres via bun. It implements both registry.Store and
// messaging.Store, so a single handle serves both the user registry and
// the message core.
type RelationalStore struct {
	db     *bun.DB
	dbType string
}

// Open opens dsn for dbType ("sqlite" or "postgres"), runs any pending
// migrations, and sizes the connection pool per poolSize (ignored, and
// left at sqlite's single-writer default, when dbType is "sqlite").
func Open(dbType, dsn string, poolSize int) (*RelationalStore, error) {
	driverName, err := sqlDriverName(dbType)
	if err != nil {
		return nil, err
	}

	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		conn.SetMaxIdleConns(1)
	} else if poolSize > 0 {
		conn.SetMaxOpenConns(poolSize)
		conn.SetMaxIdleConns(poolSize)
	}

	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &RelationalStore{db: bunDB, dbType: dbType}, nil
}

// Close closes the underlying connection pool.
func (s *RelationalStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive. The /health handler
// does not call it.
func (s *RelationalStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

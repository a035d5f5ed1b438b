// Package pbsdb provides the shared Postgres connection and migration
// bootstrap used by the journal and budget-ledger stores, grounded on the
// teacher's compliance/storage/postgres.ComplianceDatabase: a pgxpool
// pool plus a golang-migrate runner over the same connection string.
package pbsdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// Config describes how to reach Postgres and where its migrations live.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string // e.g. "file://pkg/pbsdb/migrations"
}

// Pool wraps a pgxpool.Pool with the migration path it was built from, so
// callers can re-run Migrate (idempotent) without re-threading config.
type Pool struct {
	*pgxpool.Pool
	migrationsPath   string
	connectionString string
}

func Connect(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("pbsdb: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("pbsdb: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pbsdb: create pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pbsdb: ping: %w", err)
	}

	return &Pool{Pool: pool, migrationsPath: cfg.MigrationsPath, connectionString: cfg.ConnectionString}, nil
}

// Migrate applies every pending migration under the configured
// MigrationsPath. Safe to call on every process start; migrate.ErrNoChange
// is not an error here.
func (p *Pool) Migrate() error {
	if p.migrationsPath == "" {
		return nil
	}

	migrationDB, err := sql.Open("postgres", p.connectionString)
	if err != nil {
		return fmt.Errorf("pbsdb: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pbsdb: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(p.migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pbsdb: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pbsdb: apply migrations: %w", err)
	}
	return nil
}

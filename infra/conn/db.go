package conn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mstgnz/pawguard/infra/logger"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the connection pool and remembers the driver it was opened with
type DB struct {
	*sql.DB
	Driver string
}

// Open connects to dsn, retrying while the database comes up
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		database, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", driver, err)
		}

		if driver == DriverSQLite {
			// sqlite serialises writers; one connection also keeps
			// in-memory databases alive and shared
			database.SetMaxOpenConns(1)
		} else {
			database.SetMaxOpenConns(25)
			database.SetMaxIdleConns(5)
			database.SetConnMaxLifetime(5 * time.Minute)
			database.SetConnMaxIdleTime(2 * time.Minute)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = database.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			logger.Info("database connected", logger.LogContext{Fields: map[string]any{"driver": driver}})
			return &DB{DB: database, Driver: driver}, nil
		}

		_ = database.Close()
		logger.Warn(fmt.Sprintf("database ping failed (attempt %d): %v", attempt, lastErr))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to %s after 5 attempts: %w", driver, lastErr)
}

// Migrate runs schema statements in one transaction. Statements must be
// idempotent (CREATE ... IF NOT EXISTS).
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the pool
func (db *DB) Close() error {
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

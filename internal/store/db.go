// Package store implements workspace-scoped persistence over PostgreSQL.
// Every query on a tenant-owned table carries the workspace id; loads that
// miss (whether the row is absent or belongs to another workspace) surface
// core.ErrNotFound, so callers cannot distinguish the two. PHI columns are
// BYTEA blobs produced by the crypto codec; stores encrypt on write and
// decrypt on scan.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Stores run against either, so a service can group writes in a transaction
// by rebinding its stores with WithTx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB wraps the connection pool.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dbURL string) (*DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.Info("PostgreSQL connected")
	return &DB{DB: db}, nil
}

// Transact runs fn inside a transaction, rolling back on error or panic.
// Context cancellation aborts the transaction server-side as well.
func (db *DB) Transact(ctx context.Context, fn func(q Querier) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Querier is the read/write surface shared by the database and an open
// transaction. Queries use ? placeholders; they are rebound for Postgres.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store adds a transaction wrapper to Querier. WithTx commits when fn
// returns nil and rolls back when fn returns an error or panics.
type Store interface {
	Querier
	WithTx(ctx context.Context, fn func(q Querier) error) error
}

// Database represents the hubcore database
type Database struct {
	db     *sql.DB
	dbType string
}

var _ Store = (*Database)(nil)

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying connection pool.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Type returns the backend type, "postgres" or "sqlite".
func (d *Database) Type() string {
	return d.dbType
}

func (d *Database) bind(query string) string {
	if d.dbType == TypePostgres {
		return rebind(query)
	}
	return query
}

func (d *Database) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, d.bind(query), args...)
}

func (d *Database) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.bind(query), args...)
}

func (d *Database) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.bind(query), args...)
}

// WithTx runs fn inside a single transaction.
func (d *Database) WithTx(ctx context.Context, fn func(q Querier) error) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txQuerier{tx: tx, bind: d.bind}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("[Database] Warning: rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txQuerier struct {
	tx   *sql.Tx
	bind func(string) string
}

func (t *txQuerier) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.bind(query), args...)
}

func (t *txQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.bind(query), args...)
}

func (t *txQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.bind(query), args...)
}

// Open opens a database of the given type. dsn is a Postgres connection
// string or a SQLite file path. An empty Postgres dsn is built from the
// POSTGRES_* environment.
func Open(dbType, dsn string) (*Database, error) {
	switch dbType {
	case TypePostgres, "":
		if dsn == "" {
			return NewFromEnv()
		}
		return NewPostgres(dsn)
	case TypeSQLite, "sqlite3":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

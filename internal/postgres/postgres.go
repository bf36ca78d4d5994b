// Package postgres provides the PostgreSQL connection pool backing the
// durable state store.
package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps a sql.DB connection pool.
type DB struct {
	pool *sql.DB
}

// New opens a connection pool against dsn and verifies it with a ping.
func New(dsn string) (*DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Pool returns the underlying sql.DB for direct queries.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

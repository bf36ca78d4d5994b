// Package clickhouse provides the ClickHouse connection backing the audit
// recorder's normalized cross-service event projection.
package clickhouse

import (
	"database/sql"
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// DB wraps a ClickHouse connection.
type DB struct {
	pool *sql.DB
}

// New opens a connection against dsn (e.g. "clickhouse://host:9000/rezilient").
func New(dsn string) (*DB, error) {
	pool, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Pool returns the underlying sql.DB.
func (db *DB) Pool() *sql.DB {
	return db.pool
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.pool.Close()
}

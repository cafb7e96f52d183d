// Package positionstore is the Position Store (C5): a durable relational
// record of sessions, positions, per-fill trade history, funding
// accruals, and dashboard history, backed by modernc.org/sqlite (a
// pure-Go driver, so the engine never needs cgo). Grounded on
// aristath-sentinel's internal/database package for connection
// configuration and schema application; simplified from its
// runtime.Caller-based schema directory lookup to go:embed, which
// gives the same "schema travels with the binary" property without a
// filesystem dependency.
package positionstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fundingarb/internal/errkind"
)

//go:embed schema/schema.sql
var schemaSQL string

// DB wraps the sqlite connection with the PRAGMAs a long-running trading
// process wants: WAL journaling, synchronous=NORMAL, foreign keys on, and
// a 5s busy timeout.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// the schema. dsn is a modernc.org/sqlite connection string, e.g.
// "file:/var/lib/fundingarb/state.db".
func Open(dsn string) (*DB, error) {
	connStr := dsn +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, "positionstore.Open", fmt.Errorf("open %s: %w", dsn, err))
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, "positionstore.Open", fmt.Errorf("ping: %w", err))
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		return nil, errkind.New(errkind.DatabaseUnavailable, "positionstore.Open", fmt.Errorf("migrate: %w", err))
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schemaSQL)
	return err
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for callers (e.g. the dashboard) that need
// to run their own queries against the shared schema.
func (db *DB) Conn() *sql.DB { return db.conn }

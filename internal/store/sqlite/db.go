// Package sqlite provides the low-level connection and migration helpers
// shared by the broker's two SQLite-backed stores: the operational
// database (agents, tickets, conversations, turns, shadow results,
// monitoring) and the telemetry database (kept separate — deliberately
// decoupled so retention policies can differ per store).
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at the given path and configures it for
// concurrent use (WAL mode, foreign keys enabled, single writer).
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite only supports a single writer at a time; every store in this
	// broker serializes writes through that one connection.
	db.SetMaxOpenConns(1)

	return db, nil
}

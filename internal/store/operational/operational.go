// Package operational owns the broker's single source-of-truth database:
// agents, tickets, messages, conversations, turns, shadow results, and
// the monitoring tables.
package operational

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/kokino/broker/internal/store/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the operational *sql.DB. Every store in internal/broker that
// needs the operational schema (agentreg, ticket, convo, shadow,
// resourcemon) holds a *DB rather than a bare *sql.DB so callers share one
// connection and one migration lifecycle.
type DB struct {
	*sql.DB
}

// Open opens the operational database at path and applies all pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(sqlDB, migrations, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate operational db: %w", err)
	}
	return &DB{DB: sqlDB}, nil
}

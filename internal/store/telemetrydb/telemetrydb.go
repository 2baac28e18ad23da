// Package telemetrydb owns the broker's event database, kept decoupled
// from the operational store so retention sweeps and high-frequency
// ExecutionCompleted/ExecutionFailed writes never contend with ticket or turn
// writes.
package telemetrydb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/kokino/broker/internal/store/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the telemetry *sql.DB.
type DB struct {
	*sql.DB
}

// Open opens the telemetry database at path and applies all pending
// migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(sqlDB, migrations, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate telemetry db: %w", err)
	}
	return &DB{DB: sqlDB}, nil
}

package sqlite

import (
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Migrate runs all pending migrations found under dir in fsys against db.
// Callers embed their own migrations directory (operational vs. telemetry
// schemas diverge) and pass it in; goose's base FS is a package global, so
// migrations must run to completion before another call reuses it.
func Migrate(db *sql.DB, fsys fs.FS, dir string) error {
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

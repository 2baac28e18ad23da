package operational_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/store/operational"
)

func TestOpen_Migrates(t *testing.T) {
	db, err := operational.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tables := []string{
		"agents", "tickets", "messages", "conversations", "turns",
		"shadow_results", "agent_metrics", "agent_events", "error_logs",
	}
	for _, table := range tables {
		var count int64
		err := db.QueryRow("SELECT count(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %q does not exist or is not queryable", table)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operational.db")
	db, err := operational.Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Re-running migrations against an already-migrated schema must not error.
	db2, err := operational.Open(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
}

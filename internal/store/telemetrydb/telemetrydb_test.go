package telemetrydb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/store/telemetrydb"
)

func TestOpen_Migrates(t *testing.T) {
	db, err := telemetrydb.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var count int64
	err = db.QueryRow("SELECT count(*) FROM metrics").Scan(&count)
	assert.NoError(t, err)
}

package sqlite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/store/sqlite"
)

func TestOpen_InMemory(t *testing.T) {
	sqlDB, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = sqlDB.Close() }()

	err = sqlDB.Ping()
	require.NoError(t, err)

	var fkEnabled int
	err = sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	require.NoError(t, err)
	assert.Equal(t, 1, fkEnabled)
}

package agentreg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/store/operational"
)

func newStore(t *testing.T) *agentreg.Store {
	t.Helper()
	db, err := operational.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return agentreg.New(db)
}

func TestRegister_CreateThenReRegisterUpdates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	a, err := store.Register(ctx, "agent-1", "claude-code", "headless", 15000, map[string]any{"role": "planner"})
	require.NoError(t, err)
	assert.Equal(t, "offline", a.Status)

	a2, err := store.Register(ctx, "agent-1", "claude-code", "tmux", 15000, nil)
	require.NoError(t, err)
	assert.Equal(t, "tmux", a2.DeliveryMode)
}

func TestHeartbeat_MarksOnline(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Register(ctx, "agent-1", "claude-code", "headless", 15000, nil)
	require.NoError(t, err)

	require.NoError(t, store.Heartbeat(ctx, "agent-1", 4242))

	a, err := store.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "online", a.Status)
	require.NotNil(t, a.PID)
	assert.Equal(t, 4242, *a.PID)
}

func TestListOnline_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Register(ctx, "agent-1", "claude-code", "headless", 15000, nil)
	require.NoError(t, err)
	_, err = store.Register(ctx, "agent-2", "gemini", "headless", 15000, nil)
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, "agent-1", 1))

	online, err := store.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "agent-1", online[0].AgentID)
}

func TestDelete_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	err := store.Delete(ctx, "nonexistent")
	assert.Error(t, err)
}

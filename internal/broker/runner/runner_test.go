package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/broker/convo"
	"github.com/kokino/broker/internal/broker/runner"
	"github.com/kokino/broker/internal/broker/session"
	"github.com/kokino/broker/internal/broker/supervisor"
	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/store/operational"
)

func newRunner(t *testing.T) (*runner.Runner, *agentreg.Store) {
	t.Helper()
	db, err := operational.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	agents := agentreg.New(db)
	convos := convo.New(db)
	registry := supervisor.NewRegistry()
	sessions := session.New(registry, nil)

	return runner.New(agents, sessions, convos, registry, nil, nil), agents
}

func TestExecuteTurn_RejectsNonHeadlessAgent(t *testing.T) {
	ctx := context.Background()
	r, agents := newRunner(t)

	_, err := agents.Register(ctx, "agent-1", "claude-code", "tmux", 15000, nil)
	require.NoError(t, err)

	_, err = r.ExecuteTurn(ctx, "agent-1", "hello", runner.Options{CLICommand: "echo"})
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindValidation))
}

func TestExecuteTurn_UnknownAgent(t *testing.T) {
	ctx := context.Background()
	r, _ := newRunner(t)

	_, err := r.ExecuteTurn(ctx, "ghost", "hello", runner.Options{CLICommand: "echo"})
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindNotFound))
}

func TestExecuteTurn_SpawnsAndFallsBackToRawOutput(t *testing.T) {
	ctx := context.Background()
	r, agents := newRunner(t)

	_, err := agents.Register(ctx, "agent-1", "claude-code", "headless", 15000, map[string]any{"role": "planner"})
	require.NoError(t, err)

	// /bin/echo ignores its flags/args and prints them back; we rely on
	// the parser's no-result fallback path since echo can't emit JSONL.
	res, err := r.ExecuteTurn(ctx, "agent-1", "hello", runner.Options{CLICommand: "echo", CLIArgs: []string{}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ConversationID)
	assert.True(t, res.Success)
}

func TestExecuteTurn_SpawnFailurePropagates(t *testing.T) {
	ctx := context.Background()
	r, agents := newRunner(t)

	_, err := agents.Register(ctx, "agent-1", "claude-code", "headless", 15000, nil)
	require.NoError(t, err)

	_, err = r.ExecuteTurn(ctx, "agent-1", "hello", runner.Options{CLICommand: "/nonexistent-binary-xyz"})
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindUpstream))
}

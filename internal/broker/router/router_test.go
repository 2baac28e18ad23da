package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/fallback"
	"github.com/kokino/broker/internal/broker/router"
	"github.com/kokino/broker/internal/broker/shadow"
	"github.com/kokino/broker/internal/store/operational"
)

func newRouter(t *testing.T) *router.Router {
	t.Helper()
	db, err := operational.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return router.New(fallback.New(), shadow.New(db, nil))
}

func headlessOf(resp string) router.Deliverer {
	return func(ctx context.Context) shadow.Delivery { return shadow.Delivery{Response: resp} }
}

func TestRoute_UsesHeadlessByDefault(t *testing.T) {
	r := newRouter(t)
	agent := fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"}

	res, err := r.Route(context.Background(), agent, "t1", headlessOf("via headless"), headlessOf("via tmux"))
	require.NoError(t, err)
	assert.Equal(t, "via headless", res.Response)
}

func TestRoute_UsesTmuxWhenConfigured(t *testing.T) {
	r := newRouter(t)
	agent := fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "tmux"}

	res, err := r.Route(context.Background(), agent, "t1", headlessOf("via headless"), headlessOf("via tmux"))
	require.NoError(t, err)
	assert.Equal(t, "via tmux", res.Response)
}

func TestRoute_MissingHeadlessDelivererErrors(t *testing.T) {
	r := newRouter(t)
	agent := fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"}

	_, err := r.Route(context.Background(), agent, "t1", nil, headlessOf("via tmux"))
	require.Error(t, err)
}

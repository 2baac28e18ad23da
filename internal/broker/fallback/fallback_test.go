package fallback_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kokino/broker/internal/broker/fallback"
)

func TestShouldUseTmux_DefaultsToConfiguredMode(t *testing.T) {
	c := fallback.New()
	d := c.ShouldUseTmux(fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"})
	assert.False(t, d.UseTmux)

	d = c.ShouldUseTmux(fallback.Agent{AgentID: "a2", Kind: "claude-code", DeliveryMode: "tmux"})
	assert.True(t, d.UseTmux)
}

func TestShouldUseTmux_KindOverrideWins(t *testing.T) {
	c := fallback.New()
	c.DisableKind("claude-code")

	d := c.ShouldUseTmux(fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"})
	assert.True(t, d.UseTmux)
	assert.Equal(t, "cli kind disabled", d.Reason)
}

func TestShouldUseTmux_AgentOverrideWinsOverKind(t *testing.T) {
	c := fallback.New()
	c.DisableKind("gemini")
	c.ForceTmux("a1")

	d := c.ShouldUseTmux(fallback.Agent{AgentID: "a1", Kind: "gemini", DeliveryMode: "headless"})
	assert.True(t, d.UseTmux)
	assert.Equal(t, "agent override", d.Reason)
}

func TestEnableKind_ReversesDisable(t *testing.T) {
	c := fallback.New()
	c.DisableKind("claude-code")
	c.EnableKind("claude-code")

	d := c.ShouldUseTmux(fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"})
	assert.False(t, d.UseTmux)
}

func TestUnforceTmux_ReversesForce(t *testing.T) {
	c := fallback.New()
	c.ForceTmux("a1")
	c.UnforceTmux("a1")

	d := c.ShouldUseTmux(fallback.Agent{AgentID: "a1", Kind: "claude-code", DeliveryMode: "headless"})
	assert.False(t, d.UseTmux)
}

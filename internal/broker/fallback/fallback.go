// Package fallback implements the Fallback Controller: a
// thread-safe toggle operators use to force delivery onto tmux, either
// globally per CLI kind or for one agent, overriding the agent's
// configured deliveryMode.
package fallback

import "sync"

// Decision is the outcome of a shouldUseTmux check.
type Decision struct {
	UseTmux bool
	Reason  string
}

// Agent is the minimal view of an agent the controller needs to reach
// its decision without importing the agentreg package.
type Agent struct {
	AgentID      string
	Kind         string
	DeliveryMode string // headless, tmux, shadow
}

// Controller holds the disabled-CLI-kinds and forced-tmux-agents maps.
type Controller struct {
	mu            sync.RWMutex
	disabledKinds map[string]bool
	forcedTmux    map[string]bool
}

// New returns an empty Controller (no kind disabled, no agent forced).
func New() *Controller {
	return &Controller{disabledKinds: make(map[string]bool), forcedTmux: make(map[string]bool)}
}

// DisableKind marks a CLI kind as unable to run headless (e.g. an
// upstream outage), forcing every agent of that kind onto tmux.
func (c *Controller) DisableKind(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabledKinds[kind] = true
}

// EnableKind reverses DisableKind.
func (c *Controller) EnableKind(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disabledKinds, kind)
}

// ForceTmux pins one agent onto tmux regardless of its configured mode.
func (c *Controller) ForceTmux(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedTmux[agentID] = true
}

// UnforceTmux reverses ForceTmux.
func (c *Controller) UnforceTmux(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forcedTmux, agentID)
}

// ShouldUseTmux checks, in order: agent override, CLI-kind override,
// then the agent's own configured deliveryMode.
func (c *Controller) ShouldUseTmux(agent Agent) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.forcedTmux[agent.AgentID] {
		return Decision{UseTmux: true, Reason: "agent override"}
	}
	if c.disabledKinds[agent.Kind] {
		return Decision{UseTmux: true, Reason: "cli kind disabled"}
	}
	if agent.DeliveryMode == "tmux" {
		return Decision{UseTmux: true, Reason: "configured delivery mode"}
	}
	return Decision{UseTmux: false, Reason: "configured delivery mode"}
}

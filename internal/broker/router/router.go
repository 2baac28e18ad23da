// Package router implements the Delivery Router: for one
// ticket, decides whether to dispatch through the headless Runner, an
// external tmux provider, or the Shadow Controller, based on the
// Fallback Controller's override and the agent's configured
// deliveryMode.
package router

import (
	"context"

	"github.com/kokino/broker/internal/broker/fallback"
	"github.com/kokino/broker/internal/broker/shadow"
	"github.com/kokino/broker/internal/brokererr"
)

// TmuxProvider is the external tmux delivery path: it
// exists outside this module's headless CLI supervision and is
// injected so the router doesn't depend on the provider's internals.
type TmuxProvider interface {
	Deliver(ctx context.Context, agentID, prompt string) shadow.Delivery
}

// Deliverer abstracts one concrete delivery path to a uniform shape so
// the router (and the Shadow Controller it delegates to) can invoke
// either headless or tmux without branching on which.
type Deliverer func(ctx context.Context) shadow.Delivery

// Router decides and dispatches.
type Router struct {
	fallback *fallback.Controller
	shadow   *shadow.Controller
}

// New constructs a Router.
func New(fb *fallback.Controller, sc *shadow.Controller) *Router {
	return &Router{fallback: fb, shadow: sc}
}

// Route decides the delivery path for agent and runs it. headlessFn and
// tmuxFn perform the actual dispatch; Route only decides which to call
// (or both, for shadow mode).
func (r *Router) Route(ctx context.Context, agent fallback.Agent, ticketID string, headlessFn, tmuxFn Deliverer) (shadow.Delivery, error) {
	if agent.DeliveryMode == "shadow" {
		return r.shadow.Run(ctx, agent.AgentID, ticketID, tmuxFn, headlessFn)
	}

	decision := r.fallback.ShouldUseTmux(agent)
	if decision.UseTmux {
		return tmuxFn(ctx), nil
	}
	if headlessFn == nil {
		return shadow.Delivery{}, brokererr.Newf(brokererr.KindInternal, "router.route", "no headless deliverer configured for agent %s", agent.AgentID)
	}
	return headlessFn(ctx), nil
}

// Package tmuxprovider implements the tmux delivery path: a PTY-backed
// shell per agent
// that a prompt is typed into, with output captured until the shell
// falls quiet. It exists outside the core execution kernel and is
// injected into the Delivery Router / Shadow Controller as a
// router.TmuxProvider.
package tmuxprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kokino/broker/internal/broker/shadow"
)

// IdleQuiet is how long output must stop arriving before a turn is
// considered complete, absent any other signal from the shell.
const IdleQuiet = 800 * time.Millisecond

// Provider adapts a Manager into the shadow/router Deliverer contract,
// keeping one long-lived PTY terminal per agent and typing prompts
// into it as if a human were driving the shell.
type Provider struct {
	manager    *Manager
	shell      string
	workingDir string
	idleQuiet  time.Duration
}

// NewProvider constructs a Provider. shell/workingDir configure newly
// started terminals; an empty shell resolves via resolveDefaultShell.
func NewProvider(shell, workingDir string) *Provider {
	return &Provider{
		manager:    NewManager(),
		shell:      shell,
		workingDir: workingDir,
		idleQuiet:  IdleQuiet,
	}
}

// Deliver types prompt into agentID's terminal (starting one if none
// exists yet) and returns once output has gone quiet for idleQuiet or
// ctx is cancelled, whichever comes first.
func (p *Provider) Deliver(ctx context.Context, agentID, prompt string) shadow.Delivery {
	start := time.Now()

	if !p.manager.HasTerminal(agentID) || p.manager.IsExited(agentID) {
		if p.manager.HasTerminal(agentID) {
			p.manager.RemoveTerminal(agentID)
		}
		if err := p.manager.StartTerminal(Options{
			ID:         agentID,
			Shell:      p.shell,
			WorkingDir: p.workingDir,
			Cols:       80,
			Rows:       24,
		}, func([]byte) {}, nil); err != nil {
			return shadow.Delivery{Err: fmt.Errorf("tmuxprovider: start terminal: %w", err), DurationMs: time.Since(start).Milliseconds()}
		}
	}

	term, ok := p.manager.Terminal(agentID)
	if !ok {
		return shadow.Delivery{Err: fmt.Errorf("tmuxprovider: no terminal for agent %s", agentID), DurationMs: time.Since(start).Milliseconds()}
	}

	collector := newOutputCollector()
	term.SetListener(collector.onOutput)
	defer term.SetListener(nil)

	if err := p.manager.SendInput(agentID, []byte(prompt+"\n")); err != nil {
		return shadow.Delivery{Err: fmt.Errorf("tmuxprovider: send input: %w", err), DurationMs: time.Since(start).Milliseconds()}
	}

	collector.waitForQuiet(ctx, p.idleQuiet)

	return shadow.Delivery{
		Response:   collector.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Shutdown stops every tracked terminal.
func (p *Provider) Shutdown() {
	p.manager.StopAll()
}

// outputCollector accumulates PTY output and exposes an idle-based
// completion signal: waitForQuiet blocks until no bytes have arrived
// for the given quiet duration.
type outputCollector struct {
	mu       sync.Mutex
	buf      []byte
	lastSeen time.Time
}

func newOutputCollector() *outputCollector {
	return &outputCollector{lastSeen: time.Now()}
}

func (c *outputCollector) onOutput(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, data...)
	c.lastSeen = time.Now()
}

func (c *outputCollector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

func (c *outputCollector) waitForQuiet(ctx context.Context, quiet time.Duration) {
	ticker := time.NewTicker(quiet / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSeen)
			c.mu.Unlock()
			if idle >= quiet {
				return
			}
		}
	}
}

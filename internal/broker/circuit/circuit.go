// Package circuit implements the per-agent Circuit Breaker:
// closed/open/halfOpen failure isolation around Runner executions,
// guarding CLI subprocess executions the way a reconnect supervisor
// guards a flaky dial loop.
package circuit

import (
	"sync"
	"time"

	"github.com/kokino/broker/internal/brokererr"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "halfOpen"
	default:
		return "closed"
	}
}

// Defaults for a Breaker's thresholds, overridable via New's opts.
const (
	DefaultThreshold  = 5
	DefaultResetTime  = 60 * time.Second
	DefaultHalfOpenN  = 1
)

// EventRecorder is the telemetry sink for circuit transitions.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

type circuitState struct {
	state            State
	failures         int
	lastFailureAt    time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

// Breaker tracks one circuitState per agent.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuitState

	threshold int
	resetTime time.Duration
	halfOpenN int
	telemetry EventRecorder
}

// Option configures a Breaker's thresholds away from the defaults above.
type Option func(*Breaker)

func WithThreshold(n int) Option           { return func(b *Breaker) { b.threshold = n } }
func WithResetTime(d time.Duration) Option { return func(b *Breaker) { b.resetTime = d } }
func WithHalfOpenAdmits(n int) Option      { return func(b *Breaker) { b.halfOpenN = n } }

// New constructs a Breaker with the defaults above, overridable via opts.
func New(telemetry EventRecorder, opts ...Option) *Breaker {
	b := &Breaker{
		circuits:  make(map[string]*circuitState),
		threshold: DefaultThreshold,
		resetTime: DefaultResetTime,
		halfOpenN: DefaultHalfOpenN,
		telemetry: telemetry,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) getOrCreate(agentID string) *circuitState {
	cs, ok := b.circuits[agentID]
	if !ok {
		cs = &circuitState{state: Closed}
		b.circuits[agentID] = cs
	}
	return cs
}

// transitionIfDue moves an Open circuit to HalfOpen once resetTime has
// elapsed since it opened. Must be called with b.mu held.
func (b *Breaker) transitionIfDue(agentID string, cs *circuitState) {
	if cs.state != Open {
		return
	}
	if time.Since(cs.openedAt) < b.resetTime {
		return
	}
	cs.state = HalfOpen
	cs.halfOpenInFlight = 0
	b.record(agentID, "CircuitHalfOpen", nil)
}

// Execute runs action under agentID's circuit, rejecting up front when
// the circuit is open or the half-open probe slot is saturated.
func (b *Breaker) Execute(agentID string, action func() error) error {
	b.mu.Lock()
	cs := b.getOrCreate(agentID)
	b.transitionIfDue(agentID, cs)

	switch cs.state {
	case Open:
		remaining := b.resetTime - time.Since(cs.openedAt)
		b.mu.Unlock()
		return brokererr.Busy("circuit.execute", remaining.String(),
			brokererr.Newf(brokererr.KindBusy, "circuit.execute", "circuit open for agent %s, retry in %s", agentID, remaining))
	case HalfOpen:
		if cs.halfOpenInFlight >= b.halfOpenN {
			b.mu.Unlock()
			return brokererr.Newf(brokererr.KindBusy, "circuit.execute", "half-open probe already in flight for agent %s", agentID)
		}
		cs.halfOpenInFlight++
	}
	wasHalfOpen := cs.state == HalfOpen
	b.mu.Unlock()

	err := action()

	b.mu.Lock()
	defer b.mu.Unlock()
	cs = b.getOrCreate(agentID)

	if wasHalfOpen {
		cs.halfOpenInFlight--
	}

	if err != nil {
		cs.failures++
		cs.lastFailureAt = time.Now()
		if wasHalfOpen {
			cs.state = Open
			cs.openedAt = time.Now()
			b.record(agentID, "CircuitRecoveryFailed", map[string]any{"failures": cs.failures})
			return err
		}
		if cs.failures >= b.threshold {
			cs.state = Open
			cs.openedAt = time.Now()
			b.record(agentID, "CircuitOpened", map[string]any{"failures": cs.failures})
		}
		return err
	}

	if wasHalfOpen {
		cs.state = Closed
		cs.failures = 0
		b.record(agentID, "CircuitRecovered", nil)
	} else {
		cs.failures = 0
	}
	return nil
}

// Reset manually closes agentID's circuit.
func (b *Breaker) Reset(agentID string) {
	b.mu.Lock()
	cs := b.getOrCreate(agentID)
	cs.state = Closed
	cs.failures = 0
	cs.halfOpenInFlight = 0
	b.mu.Unlock()
	b.record(agentID, "CircuitReset", nil)
}

// State returns agentID's current state, applying the open->halfOpen
// transition check first so callers observe a fresh value.
func (b *Breaker) State(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.getOrCreate(agentID)
	b.transitionIfDue(agentID, cs)
	return cs.state
}

func (b *Breaker) record(agentID, event string, fields map[string]any) {
	if b.telemetry == nil {
		return
	}
	b.telemetry.Record(event, agentID, fields)
}

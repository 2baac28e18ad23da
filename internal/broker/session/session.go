// Package session implements the Session Manager: one
// Session per agent, enforcing the invariant that at most one
// execution runs per agent at a time. Lock-wait backoff uses
// cenkalti/backoff/v5's exponential shape with short, unjittered
// bounds (100ms→1s) suited to a lock that is expected to free up
// quickly, unlike a network reconnect backoff.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kokino/broker/internal/broker/supervisor"
	"github.com/kokino/broker/internal/brokererr"
)

// EventRecorder is the telemetry sink for session lifecycle events.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// Session is the per-agent execution-lock state.
type Session struct {
	AgentID                  string
	SessionID                string
	HasSession               bool
	Locked                   bool
	ActiveExecutionStartedAt *time.Time
}

type state struct {
	sessionID                string
	hasSession               bool
	locked                   bool
	activeExecutionStartedAt *time.Time
}

// Manager tracks one Session per agent.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*state

	registry  *supervisor.Registry
	telemetry EventRecorder
}

// New constructs a Manager. registry lets cancelExecution reach the
// supervisor via the registered process handle; telemetry may be nil.
func New(registry *supervisor.Registry, telemetry EventRecorder) *Manager {
	return &Manager{sessions: make(map[string]*state), registry: registry, telemetry: telemetry}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (m *Manager) getOrCreate(agentID string) *state {
	st, ok := m.sessions[agentID]
	if !ok {
		st = &state{sessionID: agentID, hasSession: false}
		m.sessions[agentID] = st
	}
	return st
}

func (m *Manager) snapshot(agentID string, st *state) Session {
	return Session{
		AgentID: agentID, SessionID: st.sessionID, HasSession: st.hasSession,
		Locked: st.locked, ActiveExecutionStartedAt: st.activeExecutionStartedAt,
	}
}

// AcquireLock waits (bounded exponential backoff) for agentID's lock to
// be free and takes it. On timeout it emits LockTimeout and fails with
// Busy. Long waiters observe the lock released by the previous holder,
// but strict FIFO across waiters is not guaranteed (the ordering
// note — polling, not a queue).
func (m *Manager) AcquireLock(ctx context.Context, agentID string, waitTimeoutMs int) (Session, error) {
	deadline := time.Now().Add(time.Duration(waitTimeoutMs) * time.Millisecond)
	bo := newBackoff()
	start := time.Now()

	for {
		m.mu.Lock()
		st := m.getOrCreate(agentID)
		if !st.locked {
			st.locked = true
			now := time.Now()
			st.activeExecutionStartedAt = &now
			snap := m.snapshot(agentID, st)
			m.mu.Unlock()
			m.record(agentID, "LockAcquired", map[string]any{"waitedMs": time.Since(start).Milliseconds()})
			return snap, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			m.record(agentID, "LockTimeout", map[string]any{"waitedMs": time.Since(start).Milliseconds()})
			return Session{}, brokererr.Busy("session.acquireLock", "retry later", brokererr.Newf(brokererr.KindBusy, "session.acquireLock", "lock held for agent %s", agentID))
		}

		wait := bo.NextBackOff()
		remaining := time.Until(deadline)
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Session{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// ReleaseLock is idempotent: clears locked/activeExecution, preserves
// sessionId/hasSession.
func (m *Manager) ReleaseLock(agentID string) {
	m.mu.Lock()
	st, ok := m.sessions[agentID]
	if ok {
		st.locked = false
		st.activeExecutionStartedAt = nil
	}
	m.mu.Unlock()
}

// MarkSessionInitialized records the CLI's true session_id once observed.
// Subsequent spawns must resume using this id rather than starting new.
func (m *Manager) MarkSessionInitialized(agentID, realSessionID string) {
	m.mu.Lock()
	st := m.getOrCreate(agentID)
	st.sessionID = realSessionID
	st.hasSession = true
	m.mu.Unlock()
}

// CancelExecution sends a graceful signal to the active child. The
// supervisor's own Run loop (cmd.Cancel + WaitDelay) enforces the 5s
// grace period before a forced kill; this just triggers it.
func (m *Manager) CancelExecution(agentID string) {
	if m.registry != nil {
		m.registry.Cancel(agentID)
	}
	m.record(agentID, "ExecutionCancelled", nil)
}

// EndSession cancels any active execution and drops the session record.
func (m *Manager) EndSession(agentID string) {
	m.CancelExecution(agentID)
	m.mu.Lock()
	delete(m.sessions, agentID)
	m.mu.Unlock()
	m.record(agentID, "SessionEnded", nil)
}

// CleanupStale ends sessions whose active execution exceeds maxAge.
func (m *Manager) CleanupStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	for agentID, st := range m.sessions {
		if st.activeExecutionStartedAt != nil && st.activeExecutionStartedAt.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	m.mu.Unlock()

	for _, agentID := range stale {
		m.EndSession(agentID)
	}
}

// Get returns a snapshot of agentID's session, creating one with
// hasSession=false if it doesn't exist yet.
func (m *Manager) Get(agentID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(agentID)
	return m.snapshot(agentID, st)
}

func (m *Manager) record(agentID, event string, fields map[string]any) {
	if m.telemetry == nil {
		return
	}
	m.telemetry.Record(event, agentID, fields)
}

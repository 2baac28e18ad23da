package tmuxprovider

import (
	"fmt"
	"log/slog"
	"sync"
)

// Manager tracks one PTY terminal per agent — the tmux delivery path's
// equivalent of the headless supervisor's per-agent process registry.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal // agentID -> Terminal
}

// NewManager creates a new terminal Manager.
func NewManager() *Manager {
	return &Manager{
		terminals: make(map[string]*Terminal),
	}
}

// ExitHandler is called when a terminal process exits.
type ExitHandler func(agentID string, exitCode int)

// StartTerminal creates a new PTY terminal for agentID.
func (m *Manager) StartTerminal(opts Options, outputFn OutputHandler, exitFn ExitHandler) error {
	m.mu.Lock()
	if _, exists := m.terminals[opts.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("terminal already exists: %s", opts.ID)
	}
	m.mu.Unlock()

	t, err := Start(opts, outputFn)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.terminals[opts.ID] = t
	m.mu.Unlock()

	// Notify when the terminal exits but keep it in the map so that
	// ScreenSnapshot still works. The entry is removed by RemoveTerminal.
	go func() {
		exitCode := t.Wait()

		slog.Info("terminal exited (kept in map)",
			"agent_id", opts.ID,
			"exit_code", exitCode,
		)

		if exitFn != nil {
			exitFn(opts.ID, exitCode)
		}
	}()

	return nil
}

// SendInput routes input to agentID's terminal.
func (m *Manager) SendInput(agentID string, data []byte) error {
	m.mu.RLock()
	t, ok := m.terminals[agentID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no terminal: %s", agentID)
	}
	if t.IsExited() {
		return fmt.Errorf("terminal exited: %s", agentID)
	}

	return t.SendInput(data)
}

// Resize changes a terminal's dimensions.
func (m *Manager) Resize(agentID string, cols, rows uint16) error {
	m.mu.RLock()
	t, ok := m.terminals[agentID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no terminal: %s", agentID)
	}
	if t.IsExited() {
		return fmt.Errorf("terminal exited: %s", agentID)
	}

	return t.Resize(cols, rows)
}

// StopTerminal stops agentID's terminal process without removing it.
func (m *Manager) StopTerminal(agentID string) {
	m.mu.RLock()
	t, ok := m.terminals[agentID]
	m.mu.RUnlock()

	if ok {
		t.Stop()
	}
}

// RemoveTerminal stops and removes agentID's terminal.
func (m *Manager) RemoveTerminal(agentID string) {
	m.mu.Lock()
	t, ok := m.terminals[agentID]
	if ok {
		delete(m.terminals, agentID)
	}
	m.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Terminal returns the live Terminal for agentID, if any.
func (m *Manager) Terminal(agentID string) (*Terminal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[agentID]
	return t, ok
}

// HasTerminal returns true if a terminal exists for agentID (including exited ones).
func (m *Manager) HasTerminal(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.terminals[agentID]
	return ok
}

// IsExited returns true if agentID's terminal exists and has exited.
func (m *Manager) IsExited(agentID string) bool {
	m.mu.RLock()
	t, ok := m.terminals[agentID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return t.IsExited()
}

// ScreenSnapshot returns the screen buffer snapshot for agentID.
func (m *Manager) ScreenSnapshot(agentID string) []byte {
	m.mu.RLock()
	t, ok := m.terminals[agentID]
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	return t.ScreenSnapshot()
}

// StopAll stops all terminals and clears the map.
func (m *Manager) StopAll() {
	m.mu.Lock()
	terminals := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for _, t := range terminals {
		t.Stop()
	}
}

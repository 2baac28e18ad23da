// Package agentreg owns the Agent aggregate: registration,
// heartbeats, status, and delete-with-cascade to tickets/messages/
// conversations/turns (enforced by the operational schema's FK
// ON DELETE CASCADE).
package agentreg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/store/operational"
)

// Agent is one registered CLI agent's identity and liveness state.
type Agent struct {
	AgentID             string
	Kind                string
	Status              string // online, offline, error
	DeliveryMode        string // headless, tmux, shadow
	Metadata            map[string]any
	HeartbeatIntervalMs int
	LastHeartbeat       *time.Time
	PID                 *int
	HomeDir             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Store is the Agent registry.
type Store struct {
	db *operational.DB
}

// New wraps db as an Agent registry.
func New(db *operational.DB) *Store {
	return &Store{db: db}
}

// Register creates agentID if it doesn't exist, otherwise updates its
// kind/deliveryMode/metadata in place (re-registration after a restart).
func (s *Store) Register(ctx context.Context, agentID, kind, deliveryMode string, heartbeatIntervalMs int, metadata map[string]any) (*Agent, error) {
	if heartbeatIntervalMs <= 0 {
		heartbeatIntervalMs = 30_000
	}
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return nil, brokererr.New(brokererr.KindValidation, "agentreg.register", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, created_at, updated_at)
		VALUES (?, ?, 'offline', ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			kind = excluded.kind,
			delivery_mode = excluded.delivery_mode,
			metadata = excluded.metadata,
			heartbeat_interval_ms = excluded.heartbeat_interval_ms,
			updated_at = excluded.updated_at
	`, agentID, kind, deliveryMode, metaJSON, heartbeatIntervalMs, now, now)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "agentreg.register", err)
	}

	return s.Get(ctx, agentID)
}

// Heartbeat marks agentID online, records its pid, and bumps lastHeartbeat.
func (s *Store) Heartbeat(ctx context.Context, agentID string, pid int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = 'online', pid = ?, last_heartbeat = ?, updated_at = ? WHERE agent_id = ?`,
		pid, now, now, agentID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "agentreg.heartbeat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, "agentreg.heartbeat", "agent %s not found", agentID)
	}
	return nil
}

// SetStatus updates agentID's status (online|offline|error).
func (s *Store) SetStatus(ctx context.Context, agentID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`, status, time.Now().UTC(), agentID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "agentreg.setStatus", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, "agentreg.setStatus", "agent %s not found", agentID)
	}
	return nil
}

// SetHomeDir persists the working directory the CLI subprocess spawns in.
func (s *Store) SetHomeDir(ctx context.Context, agentID, homeDir string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET home_dir = ?, updated_at = ? WHERE agent_id = ?`, homeDir, time.Now().UTC(), agentID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "agentreg.setHomeDir", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, "agentreg.setHomeDir", "agent %s not found", agentID)
	}
	return nil
}

// Get returns one agent by id.
func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, pid, home_dir, created_at, updated_at
		FROM agents WHERE agent_id = ?`, agentID)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, brokererr.Newf(brokererr.KindNotFound, "agentreg.get", "agent %s not found", agentID)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "agentreg.get", err)
	}
	return a, nil
}

// List returns every registered agent.
func (s *Store) List(ctx context.Context) ([]Agent, error) {
	return s.query(ctx, `SELECT agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, pid, home_dir, created_at, updated_at FROM agents ORDER BY agent_id`)
}

// ListOnline returns agents currently marked online. Used by the
// Monitoring Service's per-agent CPU/RSS sampling loop.
func (s *Store) ListOnline(ctx context.Context) ([]Agent, error) {
	return s.query(ctx, `SELECT agent_id, kind, status, delivery_mode, metadata, heartbeat_interval_ms, last_heartbeat, pid, home_dir, created_at, updated_at FROM agents WHERE status = 'online'`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "agentreg.list", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, brokererr.New(brokererr.KindInternal, "agentreg.list", err)
		}
		out = append(out, *a)
	}
	return out, nil
}

// Delete removes agentID. Tickets, messages, conversations, and turns
// cascade via the schema's FK ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "agentreg.delete", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, "agentreg.delete", "agent %s not found", agentID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var metaJSON string
	var lastHeartbeat sql.NullTime
	var pid sql.NullInt64

	if err := row.Scan(&a.AgentID, &a.Kind, &a.Status, &a.DeliveryMode, &metaJSON, &a.HeartbeatIntervalMs,
		&lastHeartbeat, &pid, &a.HomeDir, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	a.Metadata = unmarshalMeta(metaJSON)
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Time
	}
	if pid.Valid {
		p := int(pid.Int64)
		a.PID = &p
	}
	return &a, nil
}

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(s string) map[string]any {
	var m map[string]any
	if s == "" {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

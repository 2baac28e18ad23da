// Package convo implements the Conversation Store: durable
// per-agent conversation history with an integrity checker.
package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/ids"
	"github.com/kokino/broker/internal/store/operational"
)

// Turn is one message in a conversation.
type Turn struct {
	TurnID         int64
	ConversationID string
	Role           string // user, assistant, system
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Conversation groups an ordered sequence of Turns for one agent.
type Conversation struct {
	ConversationID string
	AgentID        string
	Title          string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the Conversation Store, backed by the operational database.
type Store struct {
	db *operational.DB
}

// New wraps db as a Conversation Store.
func New(db *operational.DB) *Store {
	return &Store{db: db}
}

// CreateConversation creates a new conversation owned by agentID.
func (s *Store) CreateConversation(ctx context.Context, agentID, title string, metadata map[string]any) (string, error) {
	id := ids.Generate()
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return "", brokererr.New(brokererr.KindValidation, "convo.createConversation", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, agent_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, nullableString(title), metaJSON, now, now)
	if err != nil {
		return "", mapConstraintErr("convo.createConversation", err)
	}
	return id, nil
}

// AddTurn atomically appends a turn and bumps the parent's updatedAt.
func (s *Store) AddTurn(ctx context.Context, conversationID, role, content string, metadata map[string]any) (*Turn, error) {
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return nil, brokererr.New(brokererr.KindValidation, "convo.addTurn", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.addTurn", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, brokererr.Newf(brokererr.KindNotFound, "convo.addTurn", "conversation %s not found", conversationID)
		}
		return nil, brokererr.New(brokererr.KindInternal, "convo.addTurn", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, metaJSON, now)
	if err != nil {
		return nil, mapConstraintErr("convo.addTurn", err)
	}
	turnID, err := res.LastInsertId()
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.addTurn", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`, now, conversationID); err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.addTurn", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.addTurn", err)
	}

	return &Turn{TurnID: turnID, ConversationID: conversationID, Role: role, Content: content, Metadata: metadata, CreatedAt: now}, nil
}

// ListAgentConversations returns agentID's conversations ordered by
// updatedAt descending.
func (s *Store) ListAgentConversations(ctx context.Context, agentID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, agent_id, title, metadata, created_at, updated_at FROM conversations WHERE agent_id = ? ORDER BY updated_at DESC`, agentID)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.listAgentConversations", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var title sql.NullString
		var metaJSON string
		if err := rows.Scan(&c.ConversationID, &c.AgentID, &title, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, brokererr.New(brokererr.KindInternal, "convo.listAgentConversations", err)
		}
		c.Title = title.String
		c.Metadata = unmarshalMeta(metaJSON)
		out = append(out, c)
	}
	return out, nil
}

// GetTurns returns conversationID's turns ordered by turnId ascending.
func (s *Store) GetTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, conversation_id, role, content, metadata, created_at FROM turns WHERE conversation_id = ? ORDER BY turn_id ASC`, conversationID)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.getTurns", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var metaJSON string
		if err := rows.Scan(&t.TurnID, &t.ConversationID, &t.Role, &t.Content, &metaJSON, &t.CreatedAt); err != nil {
			return nil, brokererr.New(brokererr.KindInternal, "convo.getTurns", err)
		}
		t.Metadata = unmarshalMeta(metaJSON)
		out = append(out, t)
	}
	return out, nil
}

// MostRecentConversation returns agentID's most recently updated
// conversation id, or "" if none exist. Used by the Runner to continue
// the most-recent conversation for an agent, or create a new one.
func (s *Store) MostRecentConversation(ctx context.Context, agentID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM conversations WHERE agent_id = ? ORDER BY updated_at DESC LIMIT 1`, agentID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", brokererr.New(brokererr.KindInternal, "convo.mostRecentConversation", err)
	}
	return id, nil
}

// DeleteConversation removes conversationID and cascades its turns.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "convo.deleteConversation", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, "convo.deleteConversation", "conversation %s not found", conversationID)
	}
	return nil
}

// IntegrityReport is the output of runIntegrityCheck.
type IntegrityReport struct {
	Orphans     []int64
	PerConv     map[string][]string
}

// RunIntegrityCheck detects: (a) orphaned turns, (b) consecutive
// same-role turns, (c) non-monotonic timestamps, (d) a first turn that
// isn't "user" (warning only). Orphans indicate a bug or external
// mutation and should never arise under a correct implementation.
func (s *Store) RunIntegrityCheck(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{PerConv: map[string][]string{}}

	orphanRows, err := s.db.QueryContext(ctx,
		`SELECT t.turn_id FROM turns t LEFT JOIN conversations c ON t.conversation_id = c.conversation_id WHERE c.conversation_id IS NULL`)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.runIntegrityCheck", err)
	}
	for orphanRows.Next() {
		var id int64
		if err := orphanRows.Scan(&id); err == nil {
			report.Orphans = append(report.Orphans, id)
		}
	}
	orphanRows.Close()

	convRows, err := s.db.QueryContext(ctx, `SELECT conversation_id FROM conversations`)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "convo.runIntegrityCheck", err)
	}
	var convIDs []string
	for convRows.Next() {
		var id string
		if err := convRows.Scan(&id); err == nil {
			convIDs = append(convIDs, id)
		}
	}
	convRows.Close()

	for _, convID := range convIDs {
		turns, err := s.GetTurns(ctx, convID)
		if err != nil {
			return nil, err
		}
		issues := checkTurnSequence(turns)
		if len(issues) > 0 {
			report.PerConv[convID] = issues
		}
	}

	return report, nil
}

func checkTurnSequence(turns []Turn) []string {
	var issues []string
	if len(turns) == 0 {
		return issues
	}
	if turns[0].Role != "user" {
		issues = append(issues, fmt.Sprintf("first turn has role %q, expected user", turns[0].Role))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == turns[i-1].Role {
			issues = append(issues, fmt.Sprintf("consecutive %s turns at turn %d", turns[i].Role, turns[i].TurnID))
		}
		if turns[i].CreatedAt.Before(turns[i-1].CreatedAt) {
			issues = append(issues, fmt.Sprintf("non-monotonic timestamp at turn %d", turns[i].TurnID))
		}
	}
	return issues
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

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mapConstraintErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// modernc.org/sqlite surfaces FK violations as a generic error string;
	// there's no typed sentinel to match against, so every write error
	// reaching this point is reported as a Conflict.
	return brokererr.New(brokererr.KindConflict, op, err)
}

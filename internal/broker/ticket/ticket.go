// Package ticket implements the Ticket Store: the
// pending/delivered/responded queue every inter-agent send_message and
// post_reply call flows through, plus the in-memory long-poll
// rendezvous used by wait(). Wait holds the waiter-map mutex across its
// status check and its registration, and reply, timeout and cancel wake
// waiters through that same mutex after writing the new status, so a
// waiter cannot miss a wakeup that races its registration.
package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/ids"
	"github.com/kokino/broker/internal/store/operational"
)

// Status values. Terminal: Responded, TimedOut, Cancelled.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusResponded = "responded"
	StatusTimedOut  = "timedOut"
	StatusCancelled = "cancelled"
)

// Ticket is one enqueued inter-agent message.
type Ticket struct {
	TicketID    string
	TargetAgent string
	OriginAgent string
	Payload     string
	Metadata    map[string]any
	ExpectReply bool
	TimeoutMs   int
	Status      string
	Response    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EnqueueInput is the argument to Enqueue.
type EnqueueInput struct {
	TargetAgent string
	OriginAgent string
	Payload     string
	Metadata    map[string]any
	ExpectReply bool
	TimeoutMs   int
}

type waitResult struct {
	payload string
	err     error
}

// Store is the Ticket Store.
type Store struct {
	db *operational.DB

	mu      sync.Mutex
	waiters map[string][]chan waitResult
}

// New wraps db as a Ticket Store.
func New(db *operational.DB) *Store {
	return &Store{db: db, waiters: make(map[string][]chan waitResult)}
}

// Enqueue creates a new pending ticket.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*Ticket, error) {
	id := ids.Generate()
	metaJSON, err := marshalMeta(in.Metadata)
	if err != nil {
		return nil, brokererr.New(brokererr.KindValidation, "ticket.enqueue", err)
	}
	timeoutMs := in.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 300_000
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tickets (ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.TargetAgent, nullableString(in.OriginAgent), in.Payload, metaJSON, in.ExpectReply, timeoutMs, StatusPending, now, now)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "ticket.enqueue", err)
	}

	return &Ticket{
		TicketID: id, TargetAgent: in.TargetAgent, OriginAgent: in.OriginAgent, Payload: in.Payload,
		Metadata: in.Metadata, ExpectReply: in.ExpectReply, TimeoutMs: timeoutMs, Status: StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetPending returns targetAgent's pending tickets in creation order.
func (s *Store) GetPending(ctx context.Context, targetAgent string) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		 FROM tickets WHERE target_agent = ? AND status = ? ORDER BY created_at ASC`, targetAgent, StatusPending)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "ticket.getPending", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, brokererr.New(brokererr.KindInternal, "ticket.getPending", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Acknowledge transitions pending -> delivered. Idempotent if already delivered.
func (s *Store) Acknowledge(ctx context.Context, ticketID string) error {
	t, err := s.get(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == StatusDelivered {
		return nil
	}
	if t.Status != StatusPending {
		return brokererr.Newf(brokererr.KindConflict, "ticket.acknowledge", "cannot acknowledge ticket in status %s", t.Status)
	}
	return s.setStatus(ctx, "ticket.acknowledge", ticketID, StatusDelivered)
}

// PostReply is only legal from delivered. It sets response, transitions
// to responded, wakes any waiters, and — if the ticket crossed agents —
// synthesizes a reverse ticket targeted at the original origin so the
// origin sees the reply as another inbound ticket.
func (s *Store) PostReply(ctx context.Context, ticketID, payload string, originAgent string, metadata map[string]any) (*Ticket, error) {
	t, err := s.get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDelivered {
		return nil, brokererr.Newf(brokererr.KindConflict, "ticket.postReply", "cannot reply to ticket in status %s", t.Status)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `UPDATE tickets SET status = ?, response = ?, updated_at = ? WHERE ticket_id = ?`,
		StatusResponded, payload, now, ticketID)
	if err != nil {
		return nil, brokererr.New(brokererr.KindInternal, "ticket.postReply", err)
	}

	s.wake(ticketID, waitResult{payload: payload})

	if t.OriginAgent != "" && t.OriginAgent != t.TargetAgent {
		reverseMeta := map[string]any{"isReply": true, "replyTo": ticketID}
		for k, v := range metadata {
			reverseMeta[k] = v
		}
		if _, err := s.Enqueue(ctx, EnqueueInput{
			TargetAgent: t.OriginAgent,
			OriginAgent: originAgent,
			Payload:     payload,
			Metadata:    reverseMeta,
			ExpectReply: false,
			TimeoutMs:   t.TimeoutMs,
		}); err != nil {
			return nil, err
		}
	}

	t.Status = StatusResponded
	t.Response = &payload
	t.UpdatedAt = now
	return &t, nil
}

// Timeout transitions pending|delivered -> timedOut. Idempotent.
func (s *Store) Timeout(ctx context.Context, ticketID string) error {
	t, err := s.get(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status == StatusTimedOut {
		return nil
	}
	if t.Status != StatusPending && t.Status != StatusDelivered {
		return nil
	}
	if err := s.setStatus(ctx, "ticket.timeout", ticketID, StatusTimedOut); err != nil {
		return err
	}
	s.wake(ticketID, waitResult{err: fmt.Errorf("ticket timed out")})
	return nil
}

// Cancel transitions pending|delivered -> cancelled.
func (s *Store) Cancel(ctx context.Context, ticketID string) error {
	t, err := s.get(ctx, ticketID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending && t.Status != StatusDelivered {
		return brokererr.Newf(brokererr.KindConflict, "ticket.cancel", "cannot cancel ticket in status %s", t.Status)
	}
	if err := s.setStatus(ctx, "ticket.cancel", ticketID, StatusCancelled); err != nil {
		return err
	}
	s.wake(ticketID, waitResult{err: fmt.Errorf("ticket cancelled")})
	return nil
}

// ErrTimeout is returned by Wait when timeoutMs elapses before a reply.
var ErrTimeout = fmt.Errorf("wait timed out")

// Wait long-polls for ticketID's reply. Registration is atomic with the
// status check: if the ticket is already terminal, Wait returns
// immediately without ever creating a channel, so a postReply that
// raced ahead of this call is never missed.
func (s *Store) Wait(ctx context.Context, ticketID string, timeoutMs int) (string, error) {
	s.mu.Lock()
	t, err := s.getLocked(ctx, ticketID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if t.Status == StatusResponded {
		s.mu.Unlock()
		if t.Response == nil {
			return "", nil
		}
		return *t.Response, nil
	}
	if t.Status == StatusTimedOut || t.Status == StatusCancelled {
		s.mu.Unlock()
		return "", ErrTimeout
	}

	ch := make(chan waitResult, 1)
	s.waiters[ticketID] = append(s.waiters[ticketID], ch)
	s.mu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		return res.payload, nil
	case <-timer.C:
		_ = s.Timeout(ctx, ticketID)
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// wake resolves every waiter registered on ticketID with the same result.
func (s *Store) wake(ticketID string, res waitResult) {
	s.mu.Lock()
	chans := s.waiters[ticketID]
	delete(s.waiters, ticketID)
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- res
	}
}

// Cleanup hard-deletes non-pending tickets older than maxAgeMs.
func (s *Store) Cleanup(ctx context.Context, maxAgeMs int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMs) * time.Millisecond)
	res, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE status != ? AND created_at < ?`, StatusPending, cutoff)
	if err != nil {
		return 0, brokererr.New(brokererr.KindInternal, "ticket.cleanup", err)
	}
	return res.RowsAffected()
}

func (s *Store) get(ctx context.Context, ticketID string) (Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ticket_id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		 FROM tickets WHERE ticket_id = ?`, ticketID)
	return scanTicketRow(row, ticketID)
}

func (s *Store) getLocked(ctx context.Context, ticketID string) (Ticket, error) {
	return s.get(ctx, ticketID)
}

func (s *Store) setStatus(ctx context.Context, op, ticketID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ?`, status, time.Now().UTC(), ticketID)
	if err != nil {
		return brokererr.New(brokererr.KindInternal, op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.Newf(brokererr.KindNotFound, op, "ticket %s not found", ticketID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(rows *sql.Rows) (Ticket, error) {
	return scanTicketRow(rows, "")
}

func scanTicketRow(row rowScanner, ticketID string) (Ticket, error) {
	var t Ticket
	var origin, response sql.NullString
	var metaJSON string
	err := row.Scan(&t.TicketID, &t.TargetAgent, &origin, &t.Payload, &metaJSON, &t.ExpectReply, &t.TimeoutMs, &t.Status, &response, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return Ticket{}, brokererr.Newf(brokererr.KindNotFound, "ticket.get", "ticket %s not found", ticketID)
	}
	if err != nil {
		return Ticket{}, err
	}
	t.OriginAgent = origin.String
	if response.Valid {
		t.Response = &response.String
	}
	t.Metadata = unmarshalMeta(metaJSON)
	return t, nil
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

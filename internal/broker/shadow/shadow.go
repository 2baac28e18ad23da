// Package shadow implements the Shadow Controller: for one
// ticket, runs both delivery modes concurrently, fuzzy-compares their
// outputs, persists the comparison, and returns tmux as canonical
// during the shadow phase.
package shadow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/store/operational"
)

// Delivery is one execution path's outcome, produced by either the
// Runner (headless) or the tmux provider.
type Delivery struct {
	Response   string
	DurationMs int64
	Err        error
}

// Comparison is the persisted result of running both delivery modes.
type Comparison struct {
	TicketID        string
	TmuxSuccess     bool
	HeadlessSuccess bool
	OutputMatch     bool
	LatencyDeltaMs  int64 // headless - tmux
	TmuxDurationMs  int64
	HeadlessDuration int64
	TmuxError       string
	HeadlessError   string
	TmuxResponse    string
	HeadlessResponse string
}

// EventRecorder is the telemetry sink for mismatch/failure events.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// Controller runs and persists shadow comparisons.
type Controller struct {
	db        *operational.DB
	telemetry EventRecorder
}

// New wraps db as a Shadow Controller.
func New(db *operational.DB, telemetry EventRecorder) *Controller {
	return &Controller{db: db, telemetry: telemetry}
}

// Run invokes tmuxFn and headlessFn concurrently, settling both
// independently (no cancellation on first success), builds and
// persists the comparison, and returns the tmux Delivery as canonical.
func (c *Controller) Run(ctx context.Context, agentID, ticketID string, tmuxFn, headlessFn func(context.Context) Delivery) (Delivery, error) {
	var tmuxResult, headlessResult Delivery
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		tmuxResult = tmuxFn(ctx)
	}()
	go func() {
		defer wg.Done()
		headlessResult = headlessFn(ctx)
	}()
	wg.Wait()

	cmp := Comparison{
		TicketID:         ticketID,
		TmuxSuccess:      tmuxResult.Err == nil,
		HeadlessSuccess:  headlessResult.Err == nil,
		LatencyDeltaMs:   headlessResult.DurationMs - tmuxResult.DurationMs,
		TmuxDurationMs:   tmuxResult.DurationMs,
		HeadlessDuration: headlessResult.DurationMs,
		TmuxResponse:     tmuxResult.Response,
		HeadlessResponse: headlessResult.Response,
	}
	if tmuxResult.Err != nil {
		cmp.TmuxError = tmuxResult.Err.Error()
	}
	if headlessResult.Err != nil {
		cmp.HeadlessError = headlessResult.Err.Error()
	}
	if cmp.TmuxSuccess && cmp.HeadlessSuccess {
		cmp.OutputMatch = normalize(tmuxResult.Response) == normalize(headlessResult.Response)
	}

	if err := c.persist(ctx, cmp); err != nil {
		return tmuxResult, err
	}

	switch {
	case cmp.TmuxSuccess && cmp.HeadlessSuccess && !cmp.OutputMatch:
		c.record(agentID, "ShadowMismatch", map[string]any{"ticketId": ticketID})
	case !cmp.HeadlessSuccess:
		c.record(agentID, "ShadowHeadlessFailure", map[string]any{"ticketId": ticketID, "error": cmp.HeadlessError})
	case !cmp.TmuxSuccess:
		c.record(agentID, "ShadowTmuxFailure", map[string]any{"ticketId": ticketID, "error": cmp.TmuxError})
	}

	return tmuxResult, nil
}

func (c *Controller) persist(ctx context.Context, cmp Comparison) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO shadow_results (
			ticket_id, tmux_success, headless_success, output_match, latency_delta_ms,
			tmux_duration_ms, headless_duration_ms, tmux_error, headless_error, tmux_response, headless_response, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmp.TicketID, cmp.TmuxSuccess, cmp.HeadlessSuccess, cmp.OutputMatch, cmp.LatencyDeltaMs,
		cmp.TmuxDurationMs, cmp.HeadlessDuration, nullable(cmp.TmuxError), nullable(cmp.HeadlessError),
		nullable(cmp.TmuxResponse), nullable(cmp.HeadlessResponse), time.Now().UTC())
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "shadow.persist", err)
	}
	return nil
}

// MismatchRate returns the fraction of comparisons (since cutoff) where
// both deliveries succeeded but their outputs didn't match.
func (c *Controller) MismatchRate(ctx context.Context, since time.Time) (float64, error) {
	var total, mismatches int64
	row := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN tmux_success AND headless_success AND NOT output_match THEN 1 ELSE 0 END), 0)
		 FROM shadow_results WHERE created_at >= ?`, since)
	if err := row.Scan(&total, &mismatches); err != nil {
		return 0, brokererr.New(brokererr.KindInternal, "shadow.mismatchRate", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(mismatches) / float64(total), nil
}

func (c *Controller) record(agentID, event string, fields map[string]any) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.Record(event, agentID, fields)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalize implements the fuzzy output compare: collapse
// whitespace, lowercase, trim.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Package telemetry implements the broker's Event Log: a
// durable, never-blocking record of execution events backed by the
// telemetry database, plus the read-side SLI/error-budget queries the
// Monitoring Service and HTTP surface expose.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kokino/broker/internal/store/telemetrydb"
)

// Recorder is the Event Log. It satisfies supervisor.EventRecorder by
// structural typing (Record(event, agentID string, fields map[string]any)).
type Recorder struct {
	db       *telemetrydb.DB
	insertStmt *sql.Stmt
}

// New prepares the Recorder's write statement against db.
func New(db *telemetrydb.DB) (*Recorder, error) {
	stmt, err := db.Prepare(`INSERT INTO metrics (event, agent_id, cli_kind, duration_ms, success, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	return &Recorder{db: db, insertStmt: stmt}, nil
}

// Record appends a telemetry event. Per the failure semantics,
// write failures are logged and dropped — telemetry must never block
// production paths.
func (r *Recorder) Record(event, agentID string, fields map[string]any) {
	var cliKind sql.NullString
	var durationMs sql.NullInt64
	var success sql.NullBool

	metadata := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "cliKind":
			if s, ok := v.(string); ok {
				cliKind = sql.NullString{String: s, Valid: true}
			}
		case "durationMs":
			switch n := v.(type) {
			case int64:
				durationMs = sql.NullInt64{Int64: n, Valid: true}
			case int:
				durationMs = sql.NullInt64{Int64: int64(n), Valid: true}
			}
		case "success":
			if b, ok := v.(bool); ok {
				success = sql.NullBool{Bool: b, Valid: true}
			}
		default:
			metadata[k] = v
		}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	if _, err := r.insertStmt.Exec(event, agentID, cliKind, durationMs, success, string(metaJSON), time.Now().UTC()); err != nil {
		slog.Warn("telemetry write dropped", "event", event, "agent_id", agentID, "error", err)
	}
}

// executionEvents are the event kinds counted by Availability.
var executionEvents = []string{"ExecutionCompleted", "ExecutionFailed", "ExecutionTimeout"}

// Availability returns successes/total over ExecutionCompleted/ExecutionFailed/
// ExecutionTimeout events in the trailing windowHours. An empty window
// returns 1 (neutral default, the failure semantics).
func (r *Recorder) Availability(windowHours int) float64 {
	since := windowStart(windowHours)
	query, args := inClauseQuery(
		`SELECT count(*), sum(CASE WHEN event = 'ExecutionCompleted' THEN 1 ELSE 0 END) FROM metrics WHERE timestamp >= ? AND event IN (%s)`,
		executionEvents, since)

	var total int64
	var successes sql.NullInt64
	if err := r.db.QueryRow(query, args...).Scan(&total, &successes); err != nil || total == 0 {
		return 1
	}
	return float64(successes.Int64) / float64(total)
}

// LatencyPercentile returns the p-th percentile (0-100) of
// ExecutionCompleted.durationMs over the trailing windowHours, in
// milliseconds. Empty windows return 0.
func (r *Recorder) LatencyPercentile(p float64, windowHours int) int64 {
	since := windowStart(windowHours)
	rows, err := r.db.Query(`SELECT duration_ms FROM metrics WHERE event = 'ExecutionCompleted' AND timestamp >= ? AND duration_ms IS NOT NULL ORDER BY duration_ms ASC`, since)
	if err != nil {
		return 0
	}
	defer rows.Close()

	var durations []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return 0
	}

	idx := int(math.Ceil(p/100*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	return durations[idx]
}

// SLI is one of the error-budget dimensions tracked against a target.
type SLI string

const (
	SLIAvailability SLI = "availability"
	SLILatency      SLI = "latency"
	SLICorrectness  SLI = "correctness"
	SLIIntegrity    SLI = "integrity"
)

// ErrorBudget describes consumption against an SLI's target.
type ErrorBudget struct {
	Target          float64
	Budget          int64
	Consumed        int64
	Remaining       int64
	PercentConsumed float64
}

const latencyThresholdMs = 30_000

// ErrorBudget computes the budget report for sli over windowHours.
func (r *Recorder) ErrorBudget(sli SLI, windowHours int) ErrorBudget {
	since := windowStart(windowHours)

	switch sli {
	case SLIAvailability:
		return r.executionBudget(since, 0.995, func(successRate float64, total int64) int64 {
			// Expected failures to reach the current rate vs. target.
			expectedFailures := (1 - successRate) * float64(total)
			targetFailures := (1 - 0.995) * float64(total)
			consumed := expectedFailures - targetFailures
			if consumed < 0 {
				consumed = 0
			}
			return int64(math.Round(consumed))
		})
	case SLILatency:
		return r.thresholdBudget(since, "ExecutionCompleted", 0.95, func(row *sql.Rows) (bool, error) {
			var d sql.NullInt64
			if err := row.Scan(&d); err != nil {
				return false, err
			}
			return d.Valid && d.Int64 > latencyThresholdMs, nil
		})
	case SLICorrectness:
		return r.countBudget(since, "ShadowMismatch", 0.95)
	case SLIIntegrity:
		// Any failure saturates the budget: target 1.0, budget 0.
		var count int64
		_ = r.db.QueryRow(`SELECT count(*) FROM metrics WHERE event = 'IntegrityViolation' AND timestamp >= ?`, since).Scan(&count)
		consumed := int64(0)
		if count > 0 {
			consumed = 1
		}
		return ErrorBudget{Target: 1.0, Budget: 0, Consumed: consumed, Remaining: -consumed, PercentConsumed: boolPercent(count > 0)}
	default:
		return ErrorBudget{}
	}
}

func boolPercent(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

func (r *Recorder) executionBudget(since time.Time, target float64, consumedFn func(successRate float64, total int64) int64) ErrorBudget {
	query, args := inClauseQuery(
		`SELECT count(*), sum(CASE WHEN event = 'ExecutionCompleted' THEN 1 ELSE 0 END) FROM metrics WHERE timestamp >= ? AND event IN (%s)`,
		executionEvents, since)

	var total int64
	var successes sql.NullInt64
	if err := r.db.QueryRow(query, args...).Scan(&total, &successes); err != nil || total == 0 {
		return ErrorBudget{Target: target, Remaining: 0}
	}

	successRate := float64(successes.Int64) / float64(total)
	budget := int64(math.Round(float64(total) * (1 - target)))
	consumed := consumedFn(successRate, total)
	return ErrorBudget{
		Target:          target,
		Budget:          budget,
		Consumed:        consumed,
		Remaining:       budget - consumed,
		PercentConsumed: percentOf(consumed, budget),
	}
}

func (r *Recorder) thresholdBudget(since time.Time, event string, target float64, overThreshold func(*sql.Rows) (bool, error)) ErrorBudget {
	rows, err := r.db.Query(`SELECT duration_ms FROM metrics WHERE event = ? AND timestamp >= ?`, event, since)
	if err != nil {
		return ErrorBudget{Target: target}
	}
	defer rows.Close()

	var total, over int64
	for rows.Next() {
		total++
		if ok, _ := overThreshold(rows); ok {
			over++
		}
	}
	if total == 0 {
		return ErrorBudget{Target: target}
	}
	budget := int64(math.Round(float64(total) * (1 - target)))
	return ErrorBudget{
		Target:          target,
		Budget:          budget,
		Consumed:        over,
		Remaining:       budget - over,
		PercentConsumed: percentOf(over, budget),
	}
}

func (r *Recorder) countBudget(since time.Time, event string, target float64) ErrorBudget {
	var total int64
	_ = r.db.QueryRow(`SELECT count(*) FROM metrics WHERE timestamp >= ? AND event IN ('ExecutionCompleted','ExecutionFailed','ExecutionTimeout')`, since).Scan(&total)
	var consumed int64
	_ = r.db.QueryRow(`SELECT count(*) FROM metrics WHERE event = ? AND timestamp >= ?`, event, since).Scan(&consumed)

	if total == 0 {
		return ErrorBudget{Target: target}
	}
	budget := int64(math.Round(float64(total) * (1 - target)))
	return ErrorBudget{
		Target:          target,
		Budget:          budget,
		Consumed:        consumed,
		Remaining:       budget - consumed,
		PercentConsumed: percentOf(consumed, budget),
	}
}

func percentOf(consumed, budget int64) float64 {
	if budget == 0 {
		if consumed == 0 {
			return 0
		}
		return 100
	}
	return float64(consumed) / float64(budget) * 100
}

// EndpointStats summarizes one HTTP path's request outcomes.
type EndpointStats struct {
	Requests    int64
	SuccessRate float64
	MinMs       int64
	AvgMs       float64
	MaxMs       int64
	P50         int64
	P95         int64
	P99         int64
}

// EndpointPercentiles aggregates HTTPRequest telemetry events per path
// (the "path" metadata field) over windowHours. SuccessRate counts only
// events with a non-NULL success value and is 0 when none has one.
// Nothing in this repository records HTTPRequest events: the transport's
// HTTP middleware feeds the Prometheus collectors only, so without another
// writer the result is an empty map.
func (r *Recorder) EndpointPercentiles(windowHours int) (map[string]EndpointStats, error) {
	since := windowStart(windowHours)
	rows, err := r.db.Query(`SELECT metadata, duration_ms, success FROM metrics WHERE event = 'HTTPRequest' AND timestamp >= ?`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := map[string][]int64{}
	successCount := map[string]int64{}
	rated := map[string]int64{} // rows with a non-NULL success verdict
	total := map[string]int64{}

	for rows.Next() {
		var metaJSON string
		var durationMs sql.NullInt64
		var success sql.NullBool
		if err := rows.Scan(&metaJSON, &durationMs, &success); err != nil {
			continue
		}
		var meta map[string]any
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		path, _ := meta["path"].(string)
		if path == "" {
			path = "unknown"
		}
		total[path]++
		if success.Valid {
			rated[path]++
			if success.Bool {
				successCount[path]++
			}
		}
		if durationMs.Valid {
			durations[path] = append(durations[path], durationMs.Int64)
		}
	}

	out := make(map[string]EndpointStats, len(total))
	for path, n := range total {
		ds := durations[path]
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		stats := EndpointStats{Requests: n}
		if rated[path] > 0 {
			stats.SuccessRate = float64(successCount[path]) / float64(rated[path])
		}
		if len(ds) > 0 {
			stats.MinMs = ds[0]
			stats.MaxMs = ds[len(ds)-1]
			var sum int64
			for _, d := range ds {
				sum += d
			}
			stats.AvgMs = float64(sum) / float64(len(ds))
			stats.P50 = percentileOf(ds, 50)
			stats.P95 = percentileOf(ds, 95)
			stats.P99 = percentileOf(ds, 99)
		}
		out[path] = stats
	}
	return out, nil
}

func percentileOf(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Cleanup deletes events older than retentionDays. Returns the number
// of rows removed.
func (r *Recorder) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := r.db.Exec(`DELETE FROM metrics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func windowStart(windowHours int) time.Time {
	return time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
}

func inClauseQuery(template string, values []string, since time.Time) (string, []any) {
	placeholders := ""
	args := []any{since}
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, v)
	}
	return fmt.Sprintf(template, placeholders), args
}

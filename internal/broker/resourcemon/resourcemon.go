// Package resourcemon implements the Monitoring Service:
// periodic CPU/RSS sampling of online agents' subprocess PIDs via
// gopsutil (the same portable process-inspection library the
// supervisor's execution-limit monitor uses), threshold alerting, and
// a daily retention sweep.
package resourcemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/store/operational"
)

// Thresholds for warning/critical alerting.
const (
	CPUWarning    = 80.0
	CPUCritical   = 95.0
	MemWarningMB  = 1024.0
	MemCriticalMB = 2048.0
	ErrorsWarning = 5
	ErrorsCritical = 10
)

// EventRecorder is the telemetry sink for alerts.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// Broadcaster fans an alert out to Monitor Stream subscribers. Narrowed
// from *monitor.Hub so this package doesn't import it directly.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, data map[string]any)
}

// Monitor samples and alerts on agent resource usage.
type Monitor struct {
	agents    *agentreg.Store
	db        *operational.DB
	telemetry EventRecorder
	broadcast Broadcaster

	sampleInterval time.Duration
	alertInterval  time.Duration
	retentionDays  int
}

// New constructs a Monitor with the default intervals (30s
// sampling, 60s alerting); retentionDays defaults to 30 if <= 0.
// broadcast may be nil, in which case alerts are persisted and recorded
// to telemetry but not fanned out over the Monitor Stream.
func New(agents *agentreg.Store, db *operational.DB, telemetry EventRecorder, broadcast Broadcaster, retentionDays int) *Monitor {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Monitor{
		agents: agents, db: db, telemetry: telemetry, broadcast: broadcast,
		sampleInterval: 30 * time.Second,
		alertInterval:  60 * time.Second,
		retentionDays:  retentionDays,
	}
}

// RunSampling blocks, sampling every online agent's PID on
// sampleInterval, until ctx is cancelled.
func (m *Monitor) RunSampling(ctx context.Context) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	agents, err := m.agents.ListOnline(ctx)
	if err != nil {
		slog.Warn("resourcemon: list online agents failed", "error", err)
		return
	}
	for _, a := range agents {
		if a.PID == nil {
			continue
		}
		cpu, memMB, err := sample(*a.PID)
		if err != nil {
			slog.Debug("resourcemon: sample failed", "agent", a.AgentID, "pid", *a.PID, "error", err)
			continue
		}
		if err := m.persistMetric(ctx, a.AgentID, cpu, memMB); err != nil {
			slog.Warn("resourcemon: persist metric failed", "agent", a.AgentID, "error", err)
		}
	}
}

func sample(pid int) (cpuPercent, memMB float64, err error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	memMB = float64(memInfo.RSS) / (1024 * 1024)
	return cpuPercent, memMB, nil
}

func (m *Monitor) persistMetric(ctx context.Context, agentID string, cpuPercent, memMB float64) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO agent_metrics (agent_id, cpu_percent, memory_mb, timestamp) VALUES (?, ?, ?, ?)`,
		agentID, cpuPercent, memMB, time.Now().UTC())
	if err != nil {
		return brokererr.New(brokererr.KindInternal, "resourcemon.persistMetric", err)
	}
	return nil
}

// RunAlerting blocks, reading the most recent metric per agent every
// alertInterval and emitting threshold alerts, until ctx is cancelled.
func (m *Monitor) RunAlerting(ctx context.Context) {
	ticker := time.NewTicker(m.alertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AlertOnce(ctx)
		}
	}
}

// AlertOnce runs a single alert-check pass immediately.
func (m *Monitor) AlertOnce(ctx context.Context) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT am.agent_id, am.cpu_percent, am.memory_mb
		FROM agent_metrics am
		JOIN (SELECT agent_id, MAX(timestamp) AS ts FROM agent_metrics GROUP BY agent_id) latest
		  ON am.agent_id = latest.agent_id AND am.timestamp = latest.ts
	`)
	if err != nil {
		slog.Warn("resourcemon: query latest metrics failed", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var agentID string
		var cpuPercent, memMB float64
		if err := rows.Scan(&agentID, &cpuPercent, &memMB); err != nil {
			continue
		}
		m.checkThresholds(ctx, agentID, cpuPercent, memMB)
	}

	m.checkUnresolvedErrors(ctx)
}

func (m *Monitor) checkThresholds(ctx context.Context, agentID string, cpuPercent, memMB float64) {
	if cpuPercent >= CPUCritical {
		m.alert(ctx, agentID, "error", "cpu_percent", cpuPercent, CPUCritical)
	} else if cpuPercent >= CPUWarning {
		m.alert(ctx, agentID, "warning", "cpu_percent", cpuPercent, CPUWarning)
	}

	if memMB >= MemCriticalMB {
		m.alert(ctx, agentID, "error", "memory_mb", memMB, MemCriticalMB)
	} else if memMB >= MemWarningMB {
		m.alert(ctx, agentID, "warning", "memory_mb", memMB, MemWarningMB)
	}
}

func (m *Monitor) checkUnresolvedErrors(ctx context.Context) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT agent_id, COUNT(*) FROM error_logs WHERE resolved = 0 GROUP BY agent_id`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var agentID string
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			continue
		}
		if count >= ErrorsCritical {
			m.alert(ctx, agentID, "error", "unresolved_errors", float64(count), ErrorsCritical)
		} else if count >= ErrorsWarning {
			m.alert(ctx, agentID, "warning", "unresolved_errors", float64(count), ErrorsWarning)
		}
	}
}

func (m *Monitor) alert(ctx context.Context, agentID, level, metric string, value, threshold float64) {
	msg := metric + " exceeded threshold"
	meta, _ := json.Marshal(map[string]any{"metric": metric, "value": value, "threshold": threshold})
	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO agent_events (agent_id, event_type, message, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentID, level, msg, string(meta), time.Now().UTC()); err != nil {
		slog.Warn("resourcemon: persist alert failed", "agent", agentID, "error", err)
	}
	fields := map[string]any{"level": level, "metric": metric, "value": value, "threshold": threshold}
	m.record(agentID, "ResourceAlert", fields)
	if m.broadcast != nil {
		m.broadcast.Broadcast(ctx, "ResourceAlert", map[string]any{
			"agentId": agentID, "level": level, "metric": metric, "value": value, "threshold": threshold,
		})
	}
}

// RunCleanup deletes metrics/events older than retentionDays and
// resolved errors older than the same cutoff; unresolved errors are
// retained regardless of age. cmd/broker runs it once a day.
func (m *Monitor) RunCleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.retentionDays)

	if _, err := m.db.ExecContext(ctx, `DELETE FROM agent_metrics WHERE timestamp < ?`, cutoff); err != nil {
		return brokererr.New(brokererr.KindInternal, "resourcemon.cleanup", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agent_events WHERE created_at < ?`, cutoff); err != nil {
		return brokererr.New(brokererr.KindInternal, "resourcemon.cleanup", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM error_logs WHERE resolved = 1 AND resolved_at < ?`, cutoff); err != nil {
		return brokererr.New(brokererr.KindInternal, "resourcemon.cleanup", err)
	}
	return nil
}

func (m *Monitor) record(agentID, event string, fields map[string]any) {
	if m.telemetry == nil {
		return
	}
	m.telemetry.Record(event, agentID, fields)
}

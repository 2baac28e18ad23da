package supervisor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/supervisor"
)

type recordedEvent struct {
	event   string
	agentID string
	fields  map[string]any
}

type fakeRecorder struct {
	events []recordedEvent
}

func (f *fakeRecorder) Record(event, agentID string, fields map[string]any) {
	f.events = append(f.events, recordedEvent{event, agentID, fields})
}

func (f *fakeRecorder) has(event string) bool {
	for _, e := range f.events {
		if e.event == event {
			return true
		}
	}
	return false
}

func TestRun_SuccessfulExit(t *testing.T) {
	rec := &fakeRecorder{}
	res, err := supervisor.Run(context.Background(), supervisor.Options{
		AgentID:   "agent-1",
		Command:   "sh",
		Args:      []string{"-c", "echo hello"},
		Limits:    supervisor.Limits{TimeoutMs: 5000},
		Telemetry: rec,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hello")
	assert.NoError(t, res.Err)
	assert.True(t, rec.has("ProcessExited"))
}

func TestRun_NonZeroExit(t *testing.T) {
	rec := &fakeRecorder{}
	res, err := supervisor.Run(context.Background(), supervisor.Options{
		AgentID:   "agent-1",
		Command:   "sh",
		Args:      []string{"-c", "exit 7"},
		Limits:    supervisor.Limits{TimeoutMs: 5000},
		Telemetry: rec,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Error(t, res.Err)
	assert.True(t, rec.has("ProcessFailed"))
}

func TestRun_SpawnError(t *testing.T) {
	_, err := supervisor.Run(context.Background(), supervisor.Options{
		AgentID: "agent-1",
		Command: "/nonexistent/binary-that-does-not-exist",
		Limits:  supervisor.Limits{TimeoutMs: 5000},
	})
	assert.Error(t, err)
}

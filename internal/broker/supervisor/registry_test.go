package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/supervisor"
)

func TestRegistry_CancelTerminatesExecution(t *testing.T) {
	reg := supervisor.NewRegistry()

	done := make(chan *supervisor.Result, 1)
	go func() {
		res, _ := reg.RunFor(context.Background(), "agent-1", supervisor.Options{
			AgentID: "agent-1",
			Command: "sleep",
			Args:    []string{"30"},
			Limits:  supervisor.Limits{TimeoutMs: 60000},
		})
		done <- res
	}()

	require.Eventually(t, func() bool { return reg.IsRunning("agent-1") }, time.Second, 10*time.Millisecond)

	ok := reg.Cancel("agent-1")
	assert.True(t, ok)

	select {
	case res := <-done:
		assert.Error(t, res.Err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not terminate the process in time")
	}

	assert.False(t, reg.IsRunning("agent-1"))
}

func TestRegistry_CancelUnknownAgent(t *testing.T) {
	reg := supervisor.NewRegistry()
	assert.False(t, reg.Cancel("nonexistent"))
}

package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/session"
	"github.com/kokino/broker/internal/broker/supervisor"
	"github.com/kokino/broker/internal/brokererr"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeRecorder) Record(event, agentID string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeRecorder) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestAcquireLock_GrantsWhenFree(t *testing.T) {
	rec := &fakeRecorder{}
	m := session.New(supervisor.NewRegistry(), rec)

	sess, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)
	assert.True(t, sess.Locked)
	assert.True(t, rec.has("LockAcquired"))
}

func TestAcquireLock_WaitsThenSucceedsOnRelease(t *testing.T) {
	rec := &fakeRecorder{}
	m := session.New(supervisor.NewRegistry(), rec)

	_, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		m.ReleaseLock("agent-1")
	}()

	start := time.Now()
	sess, err := m.AcquireLock(context.Background(), "agent-1", 2000)
	require.NoError(t, err)
	assert.True(t, sess.Locked)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireLock_TimesOutAndEmitsLockTimeout(t *testing.T) {
	rec := &fakeRecorder{}
	m := session.New(supervisor.NewRegistry(), rec)

	_, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)

	_, err = m.AcquireLock(context.Background(), "agent-1", 200)
	require.Error(t, err)
	assert.True(t, brokererr.Is(err, brokererr.KindBusy))
	assert.True(t, rec.has("LockTimeout"))
}

func TestReleaseLock_PreservesSessionID(t *testing.T) {
	m := session.New(supervisor.NewRegistry(), nil)

	_, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)
	m.MarkSessionInitialized("agent-1", "real-session-id")
	m.ReleaseLock("agent-1")

	sess := m.Get("agent-1")
	assert.False(t, sess.Locked)
	assert.True(t, sess.HasSession)
	assert.Equal(t, "real-session-id", sess.SessionID)
}

func TestEndSession_RemovesState(t *testing.T) {
	rec := &fakeRecorder{}
	m := session.New(supervisor.NewRegistry(), rec)

	_, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)
	m.MarkSessionInitialized("agent-1", "sid")

	m.EndSession("agent-1")

	sess := m.Get("agent-1")
	assert.False(t, sess.HasSession)
	assert.True(t, rec.has("SessionEnded"))
}

func TestCleanupStale_EndsOldSessions(t *testing.T) {
	m := session.New(supervisor.NewRegistry(), nil)

	_, err := m.AcquireLock(context.Background(), "agent-1", 1000)
	require.NoError(t, err)

	m.CleanupStale(0)

	sess := m.Get("agent-1")
	assert.False(t, sess.Locked)
	assert.False(t, sess.HasSession)
}

package ticket_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/broker/internal/broker/ticket"
	"github.com/kokino/broker/internal/store/operational"
)

func newStore(t *testing.T) *ticket.Store {
	t.Helper()
	db, err := operational.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, id := range []string{"agent-a", "agent-b"} {
		_, err := db.Exec(`INSERT INTO agents (agent_id, kind) VALUES (?, 'claude-code')`, id)
		require.NoError(t, err)
	}

	return ticket.New(db)
}

func TestEnqueueAndGetPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)
	assert.Equal(t, ticket.StatusPending, tk.Status)

	pending, err := store.GetPending(ctx, "agent-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tk.TicketID, pending[0].TicketID)
}

func TestAcknowledge_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)

	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))
	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))
}

func TestPostReply_SynthesizesReverseTicket(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi", ExpectReply: true})
	require.NoError(t, err)
	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))

	_, err = store.PostReply(ctx, tk.TicketID, "reply text", "agent-b", nil)
	require.NoError(t, err)

	reverse, err := store.GetPending(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, reverse, 1)
	assert.Equal(t, "reply text", reverse[0].Payload)
	assert.Equal(t, true, reverse[0].Metadata["isReply"])
	assert.Equal(t, tk.TicketID, reverse[0].Metadata["replyTo"])
}

func TestPostReply_IllegalFromPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)

	_, err = store.PostReply(ctx, tk.TicketID, "reply", "agent-b", nil)
	assert.Error(t, err)
}

func TestWait_ResolvesOnPostReply(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))

	resultCh := make(chan string, 1)
	go func() {
		payload, err := store.Wait(ctx, tk.TicketID, 5000)
		require.NoError(t, err)
		resultCh <- payload
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = store.PostReply(ctx, tk.TicketID, "reply text", "agent-b", nil)
	require.NoError(t, err)

	select {
	case payload := <-resultCh:
		assert.Equal(t, "reply text", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWait_AlreadyTerminalReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))
	_, err = store.PostReply(ctx, tk.TicketID, "already replied", "agent-b", nil)
	require.NoError(t, err)

	payload, err := store.Wait(ctx, tk.TicketID, 1000)
	require.NoError(t, err)
	assert.Equal(t, "already replied", payload)
}

func TestWait_TimesOut(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.Acknowledge(ctx, tk.TicketID))

	_, err = store.Wait(ctx, tk.TicketID, 50)
	assert.ErrorIs(t, err, ticket.ErrTimeout)
}

func TestCancel_Terminal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tk, err := store.Enqueue(ctx, ticket.EnqueueInput{TargetAgent: "agent-b", OriginAgent: "agent-a", Payload: "hi"})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, tk.TicketID))

	err = store.Cancel(ctx, tk.TicketID)
	assert.Error(t, err)
}

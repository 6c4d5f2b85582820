package mail_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/mail"
	"github.com/zjrosen/maestro/internal/testutil"
)

func TestSendTypedPayload(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.New(s)

	err := bus.Send(mail.RecipientArchitect, mail.TypeNewRequest, mail.NewRequest{
		RequestID:   "req-1",
		Description: "add rate limiting",
	})
	require.NoError(t, err)

	msgs, err := bus.Check(mail.RecipientArchitect)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var payload mail.NewRequest
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Equal(t, "req-1", payload.RequestID)
	require.Equal(t, "add rate limiting", payload.Description)
}

func TestInboxFastPath(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.New(s)

	require.NoError(t, bus.Send("worker-1", mail.TypeNudge, mail.Nudge{Reason: "status"}))

	// Pending mail returns without blocking.
	msgs, err := bus.Inbox(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mail.TypeNudge, msgs[0].Type)
}

func TestInboxWakesOnSend(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.NewWithPoll(s, 50*time.Millisecond)

	type result struct {
		msgs []any
		err  error
		took time.Duration
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		msgs, err := bus.Inbox(context.Background(), mail.RecipientAllocator, 10*time.Second)
		var got []any
		for range msgs {
			got = append(got, nil)
		}
		done <- result{got, err, time.Since(start)}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Send(mail.RecipientAllocator, mail.TypeTasksReady, mail.TasksReady{RequestID: "req-1"}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.msgs, 1)
		require.Less(t, r.took, 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("inbox never woke up")
	}
}

func TestInboxDeadline(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.NewWithPoll(s, 20*time.Millisecond)

	msgs, err := bus.Inbox(context.Background(), "worker-3", 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInboxCancelPreservesMail(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.NewWithPoll(s, time.Hour) // never poll; cancellation must win

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := bus.Inbox(ctx, "worker-2", time.Hour)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Mail sent after the cancel is still there for the next check.
	require.NoError(t, bus.Send("worker-2", mail.TypeTerminate, mail.Terminate{Reason: "shutdown"}))
	msgs, err := bus.Check("worker-2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestInboxBrokerWakeup(t *testing.T) {
	s, _ := testutil.NewTestStoreWithBroker(t)
	// A very slow poll proves the broker wakeup carries the delivery.
	bus := mail.NewWithPoll(s, time.Hour)

	done := make(chan int, 1)
	go func() {
		msgs, err := bus.Inbox(context.Background(), "worker-1", 10*time.Second)
		require.NoError(t, err)
		done <- len(msgs)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Send("worker-1", mail.TypeHeartbeat, nil))

	select {
	case n := <-done:
		require.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("broker wakeup never arrived")
	}
}

func TestPurge(t *testing.T) {
	s := testutil.NewTestStore(t)
	bus := mail.New(s)

	require.NoError(t, bus.Send("worker-1", mail.TypeNudge, nil))

	// Non-positive retention falls back to the default window, which spares
	// fresh mail.
	n, err := bus.Purge(-time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	// The store-level sweep takes its cutoff as given.
	n, err = s.PurgeMailOlderThan(-time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

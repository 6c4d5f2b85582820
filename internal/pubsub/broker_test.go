package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx := context.Background()
	a := b.Subscribe(ctx)
	c := b.Subscribe(ctx)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(UpdatedEvent, "hello")

	for _, sub := range []<-chan Event[string]{a, c} {
		select {
		case ev := <-sub:
			require.Equal(t, UpdatedEvent, ev.Type)
			require.Equal(t, "hello", ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("event never arrived")
		}
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	sub := b.Subscribe(context.Background())
	b.Publish(UpdatedEvent, 1)
	b.Publish(UpdatedEvent, 2) // dropped, buffer is full

	require.Equal(t, int64(1), b.DroppedCount())
	ev := <-sub
	require.Equal(t, 1, ev.Payload)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe(context.Background())

	b.Close()
	b.Close()

	_, ok := <-sub
	require.False(t, ok)

	// Publishing and subscribing after close are safe no-ops.
	b.Publish(UpdatedEvent, 1)
	late := b.Subscribe(context.Background())
	_, ok = <-late
	require.False(t, ok)
}

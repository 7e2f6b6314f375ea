package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedPublishReachesSubscribers(t *testing.T) {
	feed := NewFeed()

	first := feed.Subscribe()
	second := feed.Subscribe()
	require.Equal(t, 2, feed.SubscriberCount())

	feed.Publish(Change{Kind: ChangeCreated, NotificationID: "n-1"})

	for _, sub := range []*Subscription{first, second} {
		select {
		case change := <-sub.C():
			require.Equal(t, ChangeCreated, change.Kind)
			require.Equal(t, "n-1", change.NotificationID)
			require.False(t, change.At.IsZero())
		case <-time.After(time.Second):
			t.Fatal("expected change on subscription")
		}
	}
}

func TestFeedPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	feed := NewFeed()
	sub := feed.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*2; i++ {
			feed.Publish(Change{Kind: ChangeRead, NotificationID: "n"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Overflow is dropped, not queued.
	require.Len(t, sub.ch, subscriptionBuffer)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	feed := NewFeed()
	sub := feed.Subscribe()
	require.Equal(t, 1, feed.SubscriberCount())

	sub.Close()
	sub.Close()
	require.Equal(t, 0, feed.SubscriberCount())

	_, ok := <-sub.C()
	require.False(t, ok)

	// Publishing after close must not panic or resurrect the subscriber.
	feed.Publish(Change{Kind: ChangePruned})
}

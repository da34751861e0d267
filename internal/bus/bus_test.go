// ABOUTME: Verifies fan-out delivery, drop-on-full publish, and context-scoped unsubscribe

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(Queued{ItemID: "item-1", Entity: "orders"})

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			q, ok := msg.(Queued)
			require.True(t, ok, "expected Queued, got %T", msg)
			assert.Equal(t, "item-1", q.ItemID)
			assert.Equal(t, "orders", q.Entity)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe(context.Background())

	// One more than the buffer holds; the publisher must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i <= subscriberBufferSize; i++ {
			b.Publish(SyncNow{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Only the buffered messages survive.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()

	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Channel is closed once the subscription is gone.
	_, open := <-ch
	assert.False(t, open)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	_, subID := b.Subscribe(context.Background())

	b.Unsubscribe(subID)
	b.Unsubscribe(subID)

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMessageKinds(t *testing.T) {
	assert.Equal(t, "queued", Queued{}.Kind())
	assert.Equal(t, "synced", Synced{}.Kind())
	assert.Equal(t, "sync_now", SyncNow{}.Kind())
	assert.Equal(t, "version_info", VersionInfo{}.Kind())
	assert.Equal(t, "session_expired", SessionExpired{}.Kind())
	assert.Equal(t, "conflict_detected", ConflictDetected{}.Kind())
}

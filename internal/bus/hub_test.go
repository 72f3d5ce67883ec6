package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// ==========================
// Hub
// ==========================

func TestHub_DeliversOnlyToMatchingKey(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	alice, err := hub.Subscribe(ctx, MailboxKey("alice"))
	require.NoError(t, err)
	defer alice.Cancel()
	bob, err := hub.Subscribe(ctx, MailboxKey("bob"))
	require.NoError(t, err)
	defer bob.Cancel()

	require.NoError(t, hub.Publish(ctx, Event{Key: MailboxKey("alice"), Kind: KindNotificationCreated}))

	ev := receive(t, alice)
	assert.Equal(t, KindNotificationCreated, ev.Kind)
	assert.False(t, ev.At.IsZero())

	select {
	case ev := <-bob.Events():
		t.Fatalf("unexpected event for bob: %+v", ev)
	default:
	}
}

func TestHub_CancelClosesStreamAndIsIdempotent(t *testing.T) {
	hub := NewHub()
	key := ConversationKey("a_b")

	sub, err := hub.Subscribe(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(key))

	sub.Cancel()
	sub.Cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers(key))

	// publishing after cancel must not panic
	require.NoError(t, hub.Publish(context.Background(), Event{Key: key}))
}

func TestHub_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub()
	key := MailboxKey("slow")
	sub, err := hub.Subscribe(context.Background(), key)
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			_ = hub.Publish(context.Background(), Event{Key: key})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, sub.Events(), subscriberBuffer)
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	hub := NewHub()
	key := MailboxKey("race")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub, err := hub.Subscribe(context.Background(), key)
		require.NoError(t, err)
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Key: key})
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers(key))
}

func trackedKeys(h *Hub) int {
	n := 0
	h.subscribers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestHub_LastCancelReleasesKey(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sub, err := hub.Subscribe(ctx, MailboxKey("user-"+strconv.Itoa(i)))
		require.NoError(t, err)
		sub.Cancel()
	}
	assert.Equal(t, 0, trackedKeys(hub))

	first, err := hub.Subscribe(ctx, MailboxKey("alice"))
	require.NoError(t, err)
	second, err := hub.Subscribe(ctx, MailboxKey("alice"))
	require.NoError(t, err)
	first.Cancel()
	assert.Equal(t, 1, trackedKeys(hub), "a remaining subscriber keeps the key")

	require.NoError(t, hub.Publish(ctx, Event{Key: MailboxKey("alice"), Kind: KindNotificationRead}))
	assert.Equal(t, KindNotificationRead, receive(t, second).Kind)

	second.Cancel()
	assert.Equal(t, 0, trackedKeys(hub))

	again, err := hub.Subscribe(ctx, MailboxKey("alice"))
	require.NoError(t, err)
	defer again.Cancel()
	require.NoError(t, hub.Publish(ctx, Event{Key: MailboxKey("alice"), Kind: KindNotificationCreated}))
	assert.Equal(t, KindNotificationCreated, receive(t, again).Kind)
}

func TestHub_SubscribeRacingLastCancelStillReceives(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	key := ConversationKey("a_b")

	for i := 0; i < 200; i++ {
		old, err := hub.Subscribe(ctx, key)
		require.NoError(t, err)

		var (
			wg  sync.WaitGroup
			sub *Subscription
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			old.Cancel()
		}()
		go func() {
			defer wg.Done()
			sub, _ = hub.Subscribe(ctx, key)
		}()
		wg.Wait()

		require.NotNil(t, sub)
		require.NoError(t, hub.Publish(ctx, Event{Key: key, Kind: KindMessageAppended}))
		assert.Equal(t, KindMessageAppended, receive(t, sub).Kind)
		sub.Cancel()
	}
	assert.Equal(t, 0, trackedKeys(hub))
}

func TestHub_SubscribeWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHub().Subscribe(ctx, MailboxKey("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

// ==========================
// MultiPublisher
// ==========================

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiPublisher_ContinuesPastFailures(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(context.Background(), MailboxKey("u"))
	require.NoError(t, err)
	defer sub.Cancel()

	boom := assert.AnError
	multi := MultiPublisher{failingPublisher{err: boom}, hub, Discard{}}

	err = multi.Publish(context.Background(), Event{Key: MailboxKey("u"), Kind: KindNotificationRead})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindNotificationRead, receive(t, sub).Kind)
}

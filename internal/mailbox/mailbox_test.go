package mailbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/models"
	"portal-mailbox/internal/storage/redisstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	mb  *Mailbox
	mr  *miniredis.Miniredis
	hub *bus.Hub
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var (
		mu   sync.Mutex
		tick = base
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}

	hub := bus.NewHub()
	mb := New(redisstore.New(client, "test"), hub, logger.NewTestLogger(t), WithClock(clock))
	return &fixture{mb: mb, mr: mr, hub: hub}
}

func (f *fixture) deliver(t *testing.T, recipientID string) string {
	t.Helper()
	p := models.NotificationPayload{Type: models.NotificationTaskAssigned, Title: "New task"}
	id, created, err := f.mb.Deliver(context.Background(), p.Record(uuid.NewString(), recipientID, f.mb.Now()), "")
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func unread(t *testing.T, mb *Mailbox, recipientID string) int64 {
	t.Helper()
	n, err := mb.UnreadCount(context.Background(), recipientID)
	require.NoError(t, err)
	return n
}

// ==========================
// Read transitions
// ==========================

func TestMarkRead_DecrementsOnce(t *testing.T) {
	f := setup(t)
	ids := []string{f.deliver(t, "u1"), f.deliver(t, "u1"), f.deliver(t, "u1")}
	assert.Equal(t, int64(3), unread(t, f.mb, "u1"))

	require.NoError(t, f.mb.MarkRead(context.Background(), "u1", ids[1]))
	assert.Equal(t, int64(2), unread(t, f.mb, "u1"))

	require.NoError(t, f.mb.MarkRead(context.Background(), "u1", ids[1]))
	assert.Equal(t, int64(2), unread(t, f.mb, "u1"))

	list, err := f.mb.List(context.Background(), "u1", models.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, rec := range list {
		assert.Equal(t, rec.ID == ids[1], rec.Read, rec.ID)
	}
}

func TestMarkRead_UnknownIDIsNoOp(t *testing.T) {
	f := setup(t)
	f.deliver(t, "u1")

	err := f.mb.MarkRead(context.Background(), "u1", uuid.NewString())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), unread(t, f.mb, "u1"))
}

func TestMarkRead_Validation(t *testing.T) {
	f := setup(t)

	err := f.mb.MarkRead(context.Background(), "", "x")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidRecipient))

	err = f.mb.MarkRead(context.Background(), "u1", " ")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidInput))

	_, err = f.mb.MarkAllRead(context.Background(), "u1 ")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidRecipient))
}

func TestMarkAllRead_ThenNewDelivery(t *testing.T) {
	f := setup(t)
	for i := 0; i < 4; i++ {
		f.deliver(t, "u1")
	}

	n, err := f.mb.MarkAllRead(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int64(0), unread(t, f.mb, "u1"))

	f.deliver(t, "u1")
	assert.Equal(t, int64(1), unread(t, f.mb, "u1"))

	n, err = f.mb.MarkAllRead(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.mb.MarkAllRead(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMailbox_IsolatedPerRecipient(t *testing.T) {
	f := setup(t)
	id := f.deliver(t, "u1")
	f.deliver(t, "u2")

	require.NoError(t, f.mb.MarkRead(context.Background(), "u2", id))
	assert.Equal(t, int64(1), unread(t, f.mb, "u1"))
	assert.Equal(t, int64(1), unread(t, f.mb, "u2"))
}

// ==========================
// Counter
// ==========================

func TestRecomputeCounter_MatchesStoredCounter(t *testing.T) {
	f := setup(t)
	ids := []string{f.deliver(t, "u1"), f.deliver(t, "u1"), f.deliver(t, "u1")}
	require.NoError(t, f.mb.MarkRead(context.Background(), "u1", ids[0]))

	n, err := f.mb.RecomputeCounter(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, n, unread(t, f.mb, "u1"))

	drift, err := f.mb.CheckCounter(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, drift.InSync())
}

func TestRecomputeCounter_RepairsDrift(t *testing.T) {
	f := setup(t)
	f.deliver(t, "u1")
	f.deliver(t, "u1")
	require.NoError(t, f.mr.Set("test:mbx:u1:unread", "9"))

	drift, err := f.mb.CheckCounter(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Drift{RecipientID: "u1", Stored: 9, Actual: 2}, drift)

	sub, err := f.hub.Subscribe(context.Background(), bus.MailboxKey("u1"))
	require.NoError(t, err)
	defer sub.Cancel()

	n, err := f.mb.RecomputeCounter(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(2), unread(t, f.mb, "u1"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bus.KindCounterRecomputed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a change event after repair")
	}
}

func TestCounter_ConcurrentDeliverAndRead(t *testing.T) {
	f := setup(t)
	seed := make([]string, 10)
	for i := range seed {
		seed[i] = f.deliver(t, "u1")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p := models.NotificationPayload{Type: models.NotificationPostLiked, Title: "Liked"}
			_, _, err := f.mb.Deliver(context.Background(), p.Record(uuid.NewString(), "u1", f.mb.Now()), "")
			assert.NoError(t, err)
		}()
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, f.mb.MarkRead(context.Background(), "u1", id))
		}(seed[i])
	}
	wg.Wait()

	drift, err := f.mb.CheckCounter(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, drift.InSync(), "%+v", drift)
	assert.Equal(t, int64(10), drift.Actual)
}

// ==========================
// Events and listing
// ==========================

func TestMarkRead_PublishesOnlyOnChange(t *testing.T) {
	f := setup(t)
	id := f.deliver(t, "u1")

	sub, err := f.hub.Subscribe(context.Background(), bus.MailboxKey("u1"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, f.mb.MarkRead(context.Background(), "u1", id))
	require.NoError(t, f.mb.MarkRead(context.Background(), "u1", id))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, bus.KindNotificationRead, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected one event")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestList_PagingIsClamped(t *testing.T) {
	f := setup(t)
	f.mb = New(f.mb.store, f.hub, logger.NewNoOpLogger(), WithPaging(2, 3))
	for i := 0; i < 5; i++ {
		f.deliver(t, "u1")
	}

	list, err := f.mb.List(context.Background(), "u1", models.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.mb.List(context.Background(), "u1", models.ListOptions{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	empty, err := f.mb.List(context.Background(), "nobody", models.ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestState_Snapshot(t *testing.T) {
	f := setup(t)
	f.deliver(t, "u1")
	f.deliver(t, "u1")

	state, err := f.mb.State(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", state.RecipientID)
	assert.Len(t, state.Records, 2)
	assert.Equal(t, int64(2), state.UnreadCount)
}

// ==========================
// Store failures
// ==========================

type brokenStore struct{ Store }

func (brokenStore) MarkAllRead(context.Context, string, time.Time) (int64, error) {
	return 0, fmt.Errorf("connection refused")
}

func (brokenStore) UnreadCount(context.Context, string) (int64, error) {
	return 0, fmt.Errorf("connection refused")
}

func TestStoreFailuresSurfaceAsUnavailable(t *testing.T) {
	mb := New(brokenStore{}, nil, logger.NewNoOpLogger())

	_, err := mb.MarkAllRead(context.Background(), "u1")
	assert.Equal(t, errors.ErrCodeStoreUnavailable, errors.CodeOf(err))

	_, err = mb.UnreadCount(context.Background(), "u1")
	assert.Equal(t, errors.ErrCodeStoreUnavailable, errors.CodeOf(err))
}

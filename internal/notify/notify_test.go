package notify

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/models"
	"portal-mailbox/internal/storage/redisstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails or stalls appends for selected recipients.
type flakyStore struct {
	mailbox.Store
	failFor  map[string]error
	stallFor map[string]bool
	appends  atomic.Int32
}

func (s *flakyStore) Append(ctx context.Context, rec models.NotificationRecord, key string) (string, bool, error) {
	s.appends.Add(1)
	if err := s.failFor[rec.RecipientID]; err != nil {
		return "", false, err
	}
	if s.stallFor[rec.RecipientID] {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	return s.Store.Append(ctx, rec, key)
}

type staticDirectory map[string][]string

func (d staticDirectory) MembersOf(_ context.Context, role string) ([]string, error) {
	members, ok := d[role]
	if !ok {
		return nil, stderrors.New("unknown role " + role)
	}
	return members, nil
}

type fixture struct {
	store *flakyStore
	mb    *mailbox.Mailbox
	d     *Dispatcher
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &flakyStore{
		Store:    redisstore.New(client, "test"),
		failFor:  map[string]error{},
		stallFor: map[string]bool{},
	}
	log := logger.NewTestLogger(t)
	mb := mailbox.New(store, nil, log)
	dir := staticDirectory{
		models.RoleAdmin: {"admin1", "admin2", "admin3"},
		"empty":          {},
	}
	return &fixture{store: store, mb: mb, d: NewDispatcher(mb, dir, log, opts...)}
}

func (f *fixture) unread(t *testing.T, recipientID string) int64 {
	t.Helper()
	n, err := f.mb.UnreadCount(context.Background(), recipientID)
	require.NoError(t, err)
	return n
}

var ideaSubmitted = models.NotificationPayload{
	Type:            models.NotificationIdeaSubmitted,
	Title:           "New idea awaiting review",
	Message:         "Carol submitted \"Solar roof\"",
	RelatedEntityID: "idea-42",
	TriggeredBy:     "carol",
}

// ==========================
// Dispatch
// ==========================

func TestDispatch_Validation(t *testing.T) {
	tests := []struct {
		name        string
		recipientID string
		payload     models.NotificationPayload
		wantErr     error
	}{
		{
			name:        "empty recipient",
			recipientID: "  ",
			payload:     ideaSubmitted,
			wantErr:     errors.ErrInvalidRecipient,
		},
		{
			name:        "padded recipient",
			recipientID: " bob",
			payload:     ideaSubmitted,
			wantErr:     errors.ErrInvalidRecipient,
		},
		{
			name:        "unknown type",
			recipientID: "u1",
			payload:     models.NotificationPayload{Type: "birthday", Title: "x"},
			wantErr:     errors.ErrInvalidPayload,
		},
		{
			name:        "missing title",
			recipientID: "u1",
			payload:     models.NotificationPayload{Type: models.NotificationPostLiked},
			wantErr:     errors.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			_, err := f.d.Dispatch(context.Background(), tt.recipientID, tt.payload)
			assert.True(t, stderrors.Is(err, tt.wantErr), "got %v", err)
			assert.False(t, errors.IsRetryable(err))
			assert.Equal(t, int32(0), f.store.appends.Load(), "invalid input must not reach the store")
		})
	}
}

func TestDispatch_ThreeNotificationsThenRead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.d.Dispatch(ctx, "u1", ideaSubmitted)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, int64(3), f.unread(t, "u1"))

	require.NoError(t, f.mb.MarkRead(ctx, "u1", ids[0]))
	assert.Equal(t, int64(2), f.unread(t, "u1"))

	list, err := f.mb.List(ctx, "u1", models.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDispatch_IdempotencyKey(t *testing.T) {
	f := setup(t)
	p := ideaSubmitted
	p.IdempotencyKey = "idea-42:submitted"

	first, err := f.d.Dispatch(context.Background(), "u1", p)
	require.NoError(t, err)
	second, err := f.d.Dispatch(context.Background(), "u1", p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.unread(t, "u1"))
}

func TestDispatch_StoreFailureIsRetryable(t *testing.T) {
	f := setup(t)
	f.store.failFor["u1"] = stderrors.New("connection reset")

	_, err := f.d.Dispatch(context.Background(), "u1", ideaSubmitted)
	assert.True(t, stderrors.Is(err, errors.ErrDeliveryFailed))
	assert.True(t, errors.IsRetryable(err))
	assert.False(t, errors.OutcomeUnknown(err))
}

func TestDispatch_TimeoutIsOutcomeUnknown(t *testing.T) {
	f := setup(t, WithWriteTimeout(20*time.Millisecond))
	f.store.stallFor["u1"] = true

	_, err := f.d.Dispatch(context.Background(), "u1", ideaSubmitted)
	assert.True(t, stderrors.Is(err, errors.ErrDeliveryFailed))
	assert.True(t, errors.OutcomeUnknown(err))
}

// ==========================
// Fan-out
// ==========================

func TestDispatchToRole_PartialFailure(t *testing.T) {
	f := setup(t, WithConcurrency(2))
	f.store.failFor["admin2"] = stderrors.New("write refused")

	report, err := f.d.DispatchToRole(context.Background(), models.RoleAdmin, ideaSubmitted)
	require.NoError(t, err)

	assert.Equal(t, []string{"admin1", "admin2", "admin3"}, report.Recipients)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "admin2", report.Failures[0].RecipientID)
	assert.True(t, stderrors.Is(report.Failures[0].Err, errors.ErrDeliveryFailed))
	assert.True(t, report.Failed("admin2"))
	assert.Error(t, report.Err())

	assert.Len(t, report.Delivered, 2)
	assert.Equal(t, int64(1), f.unread(t, "admin1"))
	assert.Equal(t, int64(0), f.unread(t, "admin2"))
	assert.Equal(t, int64(1), f.unread(t, "admin3"))
}

func TestDispatchToRole_ExcludesActor(t *testing.T) {
	f := setup(t)

	report, err := f.d.DispatchToRole(context.Background(), models.RoleAdmin, ideaSubmitted, "admin1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin2", "admin3"}, report.Recipients)
	assert.NoError(t, report.Err())
	assert.Equal(t, int64(0), f.unread(t, "admin1"))
}

func TestDispatchToRole_LookupFailure(t *testing.T) {
	f := setup(t)

	_, err := f.d.DispatchToRole(context.Background(), "ghosts", ideaSubmitted)
	assert.Equal(t, errors.ErrCodeIdentityLookupFailed, errors.CodeOf(err))
	assert.Equal(t, int32(0), f.store.appends.Load())
}

func TestDispatchToRole_EmptyRole(t *testing.T) {
	f := setup(t)

	report, err := f.d.DispatchToRole(context.Background(), "empty", ideaSubmitted)
	require.NoError(t, err)
	assert.Empty(t, report.Recipients)
	assert.NoError(t, report.Err())
}

func TestDispatchMany_DeduplicatesRecipients(t *testing.T) {
	f := setup(t)

	report := f.d.DispatchMany(context.Background(), []string{"u1", "u2", "u1", "u2", "u3"}, ideaSubmitted)
	assert.Equal(t, []string{"u1", "u2", "u3"}, report.Recipients)
	assert.Empty(t, report.Failures)
	for _, r := range report.Recipients {
		assert.Equal(t, int64(1), f.unread(t, r), r)
	}
}

func TestDispatchMany_InvalidPayloadFailsEveryone(t *testing.T) {
	f := setup(t)

	report := f.d.DispatchMany(context.Background(), []string{"u1", "u2"}, models.NotificationPayload{Type: "nope"})
	require.Len(t, report.Failures, 2)
	for _, err := range report.Errors() {
		assert.True(t, stderrors.Is(err, errors.ErrInvalidPayload))
	}
	assert.Equal(t, int32(0), f.store.appends.Load())
}

func TestDispatchMany_FailuresInRecipientOrder(t *testing.T) {
	f := setup(t, WithConcurrency(4))
	recipients := []string{"u5", "u1", "u4", "u2", "u3"}
	for _, r := range recipients {
		f.store.failFor[r] = stderrors.New("down")
	}

	report := f.d.DispatchMany(context.Background(), recipients, ideaSubmitted)
	var got []string
	for _, fail := range report.Failures {
		got = append(got, fail.RecipientID)
	}
	assert.Equal(t, recipients, got)
}

// ==========================
// Notifier
// ==========================

func TestNotifier_RendersTemplate(t *testing.T) {
	f := setup(t)
	n := NewNotifier(f.d)

	err := n.Notify(context.Background(), "bob", models.NotificationMessageReceived, map[string]string{
		"senderName":      "Alice",
		"preview":         "lunch?",
		"conversationId":  "alice_bob",
		"relatedEntityId": "alice_bob",
		"triggeredBy":     "alice",
	})
	require.NoError(t, err)

	list, err := f.mb.List(context.Background(), "bob", models.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "New message", list[0].Title)
	assert.Equal(t, "Alice: lunch?", list[0].Message)
	assert.Equal(t, "/messages/alice_bob", list[0].ActionRef)
	assert.Equal(t, "alice", list[0].TriggeredBy)
}

func TestNotifier_NotifyRoleCollectsErrors(t *testing.T) {
	f := setup(t)
	f.store.failFor["admin3"] = stderrors.New("down")
	n := NewNotifier(f.d)

	errs := n.NotifyRole(context.Background(), models.RoleAdmin, models.NotificationUserRegistered,
		map[string]string{"actorName": "Dana", "email": "dana@example.org", "userId": "dana"}, "admin1")
	require.Len(t, errs, 1)
	assert.Equal(t, int64(1), f.unread(t, "admin2"))
}

func TestNotifier_NotifyManyAllDelivered(t *testing.T) {
	f := setup(t)
	n := NewNotifier(f.d)

	errs := n.NotifyMany(context.Background(), []string{"u1", "u2"}, models.NotificationEventApproved,
		map[string]string{"eventTitle": "Hackday", "eventId": "e1"})
	assert.Nil(t, errs)
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		data map[string]string
		want string
	}{
		{name: "all present", tmpl: "{{a}} and {{b}}", data: map[string]string{"a": "x", "b": "y"}, want: "x and y"},
		{name: "missing dropped", tmpl: "declined. {{reason}}", data: map[string]string{}, want: "declined. "},
		{name: "unterminated kept", tmpl: "oops {{a", data: map[string]string{"a": "x"}, want: "oops {{a"},
		{
			name: "braces in value kept",
			tmpl: "{{a}}: {{b}}",
			data: map[string]string{"a": "alice", "b": "use {{name}} in the template"},
			want: "alice: use {{name}} in the template",
		},
		{
			name: "value naming another field is not expanded",
			tmpl: "{{a}}: {{b}}",
			data: map[string]string{"a": "{{b}}", "b": "hello"},
			want: "{{b}}: hello",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderTemplate(tt.tmpl, tt.data))
		})
	}
}

func TestRender_UserTextIsStable(t *testing.T) {
	fields := map[string]string{
		"senderName":     "{{preview}}",
		"preview":        "see {{conversationId}} and {{name}}",
		"conversationId": "alice_bob",
	}
	for i := 0; i < 50; i++ {
		payload, err := Render(models.NotificationMessageReceived, fields)
		require.NoError(t, err)
		require.Equal(t, "{{preview}}: see {{conversationId}} and {{name}}", payload.Message)
		require.Equal(t, "/messages/alice_bob", payload.ActionRef)
	}
}

func TestEveryTypeHasTemplate(t *testing.T) {
	for _, kind := range models.NotificationTypes() {
		tmpl, ok := TemplateFor(kind)
		assert.True(t, ok, kind)
		assert.NotEmpty(t, tmpl.Title, kind)
	}
}

// ==========================
// Send
// ==========================

func TestSend_Audience(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		want    []string
		wantErr error
	}{
		{
			name: "single recipient wins",
			req:  Request{Type: models.NotificationPostLiked, RecipientID: "u1", Role: models.RoleAdmin},
			want: []string{"u1"},
		},
		{
			name: "list minus excluded",
			req:  Request{Type: models.NotificationPostLiked, RecipientIDs: []string{"u1", "u2", "u3"}, ExcludeIDs: []string{"u2"}},
			want: []string{"u1", "u3"},
		},
		{
			name: "role minus excluded",
			req:  Request{Type: models.NotificationIdeaSubmitted, Role: models.RoleAdmin, ExcludeIDs: []string{"admin1"}},
			want: []string{"admin2", "admin3"},
		},
		{
			name:    "no audience",
			req:     Request{Type: models.NotificationPostLiked},
			wantErr: errors.ErrInvalidRecipient,
		},
		{
			name:    "unknown type",
			req:     Request{Type: "confetti", RecipientID: "u1"},
			wantErr: errors.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			report, err := f.d.Send(context.Background(), tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int32(0), f.store.appends.Load())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Recipients)
			for _, id := range tt.want {
				assert.Equal(t, int64(1), f.unread(t, id), id)
			}
		})
	}
}

func TestRequest_PayloadCarriesMetadata(t *testing.T) {
	req := Request{
		Type:            models.NotificationIdeaApproved,
		Fields:          map[string]string{"ideaTitle": "Solar roof"},
		RelatedEntityID: "idea-42",
		TriggeredBy:     "admin1",
		IdempotencyKey:  "k-9",
	}

	payload, err := req.Payload()
	require.NoError(t, err)
	assert.Equal(t, "idea-42", payload.RelatedEntityID)
	assert.Equal(t, "admin1", payload.TriggeredBy)
	assert.Equal(t, "k-9", payload.IdempotencyKey)
	assert.Equal(t, "\"Solar roof\" is now visible to everyone", payload.Message)
	assert.NotContains(t, req.Fields, "relatedEntityId")
}

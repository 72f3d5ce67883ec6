package dispatchnotification

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/models"
	"portal-mailbox/internal/notify"
	"portal-mailbox/internal/storage/redisstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type directory map[string][]string

func (d directory) MembersOf(_ context.Context, role string) ([]string, error) {
	members, ok := d[role]
	if !ok {
		return nil, stderrors.New("unknown role")
	}
	return members, nil
}

// failingStore fails every append for the listed recipients and stalls
// appends for the stalled ones until the write deadline.
type failingStore struct {
	mailbox.Store
	failFor  map[string]bool
	stallFor map[string]bool
}

func (s *failingStore) Append(ctx context.Context, rec models.NotificationRecord, key string) (string, bool, error) {
	if s.failFor[rec.RecipientID] {
		return "", false, errors.NewStoreUnavailableError("append", stderrors.New("connection reset"))
	}
	if s.stallFor[rec.RecipientID] {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	return s.Store.Append(ctx, rec, key)
}

type fixture struct {
	handler *Handler
	mb      *mailbox.Mailbox
	store   *failingStore
}

func setup(t *testing.T, opts ...notify.Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.NewTestLogger(t)
	store := &failingStore{
		Store:    redisstore.New(client, "test"),
		failFor:  map[string]bool{},
		stallFor: map[string]bool{},
	}
	mb := mailbox.New(store, nil, log)
	dispatcher := notify.NewDispatcher(mb, directory{
		models.RoleAdmin: {"admin1", "admin2", "actor"},
	}, log, opts...)

	cfg := &Config{Timeout: 5 * time.Second, AdminRole: models.RoleAdmin}
	return &fixture{handler: NewHandler(cfg, dispatcher, nil, log), mb: mb, store: store}
}

func (f *fixture) unread(t *testing.T, recipientID string) int64 {
	t.Helper()
	n, err := f.mb.UnreadCount(context.Background(), recipientID)
	require.NoError(t, err)
	return n
}

func job(key int64, variables string) entities.Job {
	return entities.Job{ActivatedJob: &pb.ActivatedJob{Key: key, Variables: variables}}
}

// ==========================
// Execute
// ==========================

func TestExecute_SingleRecipient(t *testing.T) {
	f := setup(t)

	out, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationIdeaApproved),
		RecipientID:      "u1",
		Fields:           map[string]string{"ideaTitle": "Solar benches", "ideaId": "idea-7"},
		RelatedEntityID:  "idea-7",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 1, out.Delivered)
	assert.Empty(t, out.FailedRecipients)
	assert.NotEmpty(t, out.NotificationIDs["u1"])
	assert.Equal(t, int64(1), f.unread(t, "u1"))
}

func TestExecute_RoleAudience(t *testing.T) {
	tests := []struct {
		name          string
		input         *Input
		failFor       []string
		wantStatus    string
		wantDelivered int
		wantFailed    []string
	}{
		{
			name: "explicit role excludes actor",
			input: &Input{
				NotificationType: string(models.NotificationIdeaSubmitted),
				Role:             models.RoleAdmin,
				ExcludeIDs:       []string{"actor"},
			},
			wantStatus:    StatusDelivered,
			wantDelivered: 2,
			wantFailed:    []string{},
		},
		{
			name: "defaults to admin role",
			input: &Input{
				NotificationType: string(models.NotificationEventSubmitted),
			},
			wantStatus:    StatusDelivered,
			wantDelivered: 3,
			wantFailed:    []string{},
		},
		{
			name: "partial failure completes",
			input: &Input{
				NotificationType: string(models.NotificationFormSubmitted),
				Role:             models.RoleAdmin,
			},
			failFor:       []string{"admin2"},
			wantStatus:    StatusPartial,
			wantDelivered: 2,
			wantFailed:    []string{"admin2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			for _, id := range tt.failFor {
				f.store.failFor[id] = true
			}

			out, err := f.handler.Execute(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantDelivered, out.Delivered)
			assert.Equal(t, tt.wantFailed, out.FailedRecipients)
		})
	}
}

func TestExecute_ReportsUncertainRecipients(t *testing.T) {
	f := setup(t, notify.WithWriteTimeout(20*time.Millisecond))
	f.store.stallFor["admin2"] = true
	f.store.failFor["actor"] = true

	out, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationRequestSubmitted),
		Role:             models.RoleAdmin,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, []string{"admin2", "actor"}, out.FailedRecipients)
	assert.Equal(t, []string{"admin2"}, out.UncertainRecipients)
}

func TestExecute_RecipientList(t *testing.T) {
	f := setup(t)

	out, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationTaskAssigned),
		RecipientIDs:     []string{"u1", "u2", "u1", "u3"},
		ExcludeIDs:       []string{"u3"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Delivered)
	assert.Equal(t, int64(1), f.unread(t, "u1"))
	assert.Equal(t, int64(1), f.unread(t, "u2"))
	assert.Equal(t, int64(0), f.unread(t, "u3"))
}

func TestExecute_AllRetryableFailuresFailTheJob(t *testing.T) {
	f := setup(t)
	f.store.failFor["u1"] = true

	_, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationTaskAssigned),
		RecipientID:      "u1",
	})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestExecute_UnknownType(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: "carrier_pigeon",
		RecipientID:      "u1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidPayload)
	assert.Equal(t, int64(0), f.unread(t, "u1"))
}

func TestExecute_UnknownRole(t *testing.T) {
	f := setup(t)

	_, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationIdeaSubmitted),
		Role:             "ghosts",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeIdentityLookupFailed, errors.CodeOf(err))
}

func TestExecute_NoAudience(t *testing.T) {
	f := setup(t)
	f.handler.config.AdminRole = ""

	_, err := f.handler.Execute(context.Background(), &Input{
		NotificationType: string(models.NotificationIdeaSubmitted),
	})
	assert.ErrorIs(t, err, errors.ErrInvalidRecipient)
}

// ==========================
// Input parsing
// ==========================

func TestParseInput(t *testing.T) {
	tests := []struct {
		name      string
		variables string
		wantErr   bool
		wantKey   string
	}{
		{
			name:      "defaults idempotency key to job key",
			variables: `{"notificationType":"task_assigned","recipientId":"u1"}`,
			wantKey:   "zeebe:42",
		},
		{
			name:      "keeps caller key",
			variables: `{"notificationType":"task_assigned","recipientId":"u1","idempotencyKey":"k-1"}`,
			wantKey:   "k-1",
		},
		{
			name:      "ignores unrelated process variables",
			variables: `{"notificationType":"task_assigned","recipientId":"u1","loanAmount":12}`,
			wantKey:   "zeebe:42",
		},
		{name: "missing type", variables: `{"recipientId":"u1"}`, wantErr: true},
		{name: "non-string field", variables: `{"notificationType":"task_assigned","fields":{"n":3}}`, wantErr: true},
		{name: "not json", variables: `{"notificationType":`, wantErr: true},
	}

	f := setup(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := f.handler.parseInput(job(42, tt.variables))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeSchemaValidationError, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, input.IdempotencyKey)
		})
	}
}

func TestRetriedJobDoesNotDuplicate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		input, err := f.handler.parseInput(job(99, `{"notificationType":"user_approved","recipientId":"u1"}`))
		require.NoError(t, err)
		_, err = f.handler.Execute(ctx, input)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.unread(t, "u1"))
}

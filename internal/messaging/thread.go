package messaging

import (
	"context"
	stderrors "errors"
	"strings"
	"time"
	"unicode/utf8"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/common/observability"
	"portal-mailbox/internal/models"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxTextLength = 4000
	DefaultPreviewLength = 120
	DefaultWriteTimeout  = 5 * time.Second
)

// Notifier tells a receiver that a message arrived. Failures are logged and
// never fail the send.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind models.NotificationType, fields map[string]string) error
}

// UserLookup resolves the sender's display name for receiver notifications.
type UserLookup interface {
	Lookup(ctx context.Context, userID string) (*models.User, error)
}

// Thread is the ordered append-only log of a conversation.
type Thread struct {
	registry  *Registry
	store     Store
	publisher bus.Publisher
	notifier  Notifier
	users     UserLookup
	obs       *observability.Observability
	log       logger.Logger
	now       func() time.Time

	maxText      int
	previewLen   int
	writeTimeout time.Duration
}

type ThreadOption func(*Thread)

func WithNotifier(n Notifier) ThreadOption {
	return func(t *Thread) { t.notifier = n }
}

func WithUserLookup(users UserLookup) ThreadOption {
	return func(t *Thread) { t.users = users }
}

// WithWriteTimeout bounds the store writes of one Append.
func WithWriteTimeout(timeout time.Duration) ThreadOption {
	return func(t *Thread) {
		if timeout > 0 {
			t.writeTimeout = timeout
		}
	}
}

func WithObservability(obs *observability.Observability) ThreadOption {
	return func(t *Thread) {
		if obs != nil {
			t.obs = obs
		}
	}
}

// WithLimits bounds message text and the preview copied onto the conversation.
func WithLimits(maxText, previewLen int) ThreadOption {
	return func(t *Thread) {
		if maxText > 0 {
			t.maxText = maxText
		}
		if previewLen > 0 {
			t.previewLen = previewLen
		}
	}
}

func WithThreadClock(now func() time.Time) ThreadOption {
	return func(t *Thread) { t.now = now }
}

func NewThread(registry *Registry, opts ...ThreadOption) *Thread {
	t := &Thread{
		registry:   registry,
		store:      registry.store,
		publisher:  registry.publisher,
		obs:        observability.Noop(),
		log:        registry.log.Named("thread"),
		now:        func() time.Time { return time.Now().UTC() },
		maxText:      DefaultMaxTextLength,
		previewLen:   DefaultPreviewLength,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append adds a message from senderID to receiverID. The conversation is
// created on first contact. Rejected input leaves the thread untouched.
func (t *Thread) Append(ctx context.Context, conversationID, senderID, receiverID, text string) (*models.Message, error) {
	ctx, span := t.obs.StartSpan(ctx, "messaging.append",
		attribute.String("conversation.id", conversationID))
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, errors.NewInvalidMessageError("message text is empty")
	}
	if utf8.RuneCountInString(text) > t.maxText {
		return nil, errors.NewInvalidMessageError("message text is too long")
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()

	if _, _, err := t.registry.EnsureConversation(writeCtx, conversationID, senderID, receiverID); err != nil {
		return nil, outcomeUnknownOnDeadline(writeCtx, err)
	}

	msg, err := t.store.AppendMessage(writeCtx, models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Text:           text,
		Timestamp:      t.now(),
	}, truncate(text, t.previewLen))
	if err != nil {
		span.RecordError(err)
		return nil, outcomeUnknownOnDeadline(writeCtx, errors.NewStoreUnavailableError("appendMessage", err))
	}

	metrics.MessagesAppended.Inc()
	t.registry.publish(ctx, bus.KindMessageAppended,
		bus.ConversationKey(conversationID),
		bus.UserConversationsKey(senderID),
		bus.UserConversationsKey(receiverID),
	)
	t.notifyReceiver(ctx, msg)
	return msg, nil
}

// List returns the thread oldest first. A conversation with no messages, or
// one not created yet, yields an empty slice.
func (t *Thread) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := t.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("listMessages", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// MarkRead flips every message addressed to readerID and returns how many
// changed.
func (t *Thread) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if readerID == "" {
		return 0, errors.NewInvalidInputError("reader id is required")
	}
	n, err := t.store.MarkMessagesRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("markMessagesRead", err)
	}
	if n > 0 {
		t.registry.publish(ctx, bus.KindConversationRead, bus.ConversationKey(conversationID))
	}
	return n, nil
}

func (t *Thread) notifyReceiver(ctx context.Context, msg *models.Message) {
	if t.notifier == nil {
		return
	}
	err := t.notifier.Notify(ctx, msg.ReceiverID, models.NotificationMessageReceived, map[string]string{
		"senderId":        msg.SenderID,
		"senderName":      t.displayName(ctx, msg.SenderID),
		"preview":         truncate(msg.Text, t.previewLen),
		"conversationId":  msg.ConversationID,
		"relatedEntityId": msg.ConversationID,
		"triggeredBy":     msg.SenderID,
	})
	if err != nil {
		t.log.Warn("Failed to notify message receiver", map[string]interface{}{
			"conversationId": msg.ConversationID,
			"receiverId":     msg.ReceiverID,
			"error":          err.Error(),
		})
	}
}

// displayName falls back to the raw id when no lookup is configured or the
// lookup fails.
func (t *Thread) displayName(ctx context.Context, userID string) string {
	if t.users == nil {
		return userID
	}
	u, err := t.users.Lookup(ctx, userID)
	if err != nil {
		t.log.Debug("Sender lookup failed", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		return userID
	}
	if name := u.DisplayName(); name != "" {
		return name
	}
	return userID
}

// outcomeUnknownOnDeadline flags a store error hit by the write deadline:
// the write may still have been applied.
func outcomeUnknownOnDeadline(writeCtx context.Context, err error) error {
	var se *errors.StandardError
	if !stderrors.As(err, &se) || se.Code != errors.ErrCodeStoreUnavailable {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(writeCtx.Err(), context.DeadlineExceeded) {
		return se.WithMeta(errors.MetaOutcomeUnknown, true)
	}
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

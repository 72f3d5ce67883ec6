// Package mailbox owns per-recipient notification logs, their read state and
// the denormalized unread counter.
package mailbox

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Mailbox struct {
	store     Store
	publisher bus.Publisher
	log       logger.Logger
	now       func() time.Time

	defaultPage int
	maxPage     int
}

type Option func(*Mailbox)

// WithClock overrides the time source; tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) { m.now = now }
}

// WithPaging sets the default and maximum list page sizes.
func WithPaging(defaultSize, maxSize int) Option {
	return func(m *Mailbox) {
		if defaultSize > 0 {
			m.defaultPage = defaultSize
		}
		if maxSize > 0 {
			m.maxPage = maxSize
		}
	}
}

func New(store Store, publisher bus.Publisher, log logger.Logger, opts ...Option) *Mailbox {
	if publisher == nil {
		publisher = bus.Discard{}
	}
	m := &Mailbox{
		store:       store,
		publisher:   publisher,
		log:         log.WithFields(map[string]interface{}{"component": "mailbox"}),
		now:         func() time.Time { return time.Now().UTC() },
		defaultPage: DefaultPageSize,
		maxPage:     MaxPageSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now is the clock records are stamped with.
func (m *Mailbox) Now() time.Time { return m.now() }

// Deliver appends rec to its recipient's mailbox. The dispatcher is the only
// caller; validation happens there.
func (m *Mailbox) Deliver(ctx context.Context, rec models.NotificationRecord, idempotencyKey string) (string, bool, error) {
	id, created, err := m.store.Append(ctx, rec, idempotencyKey)
	if err != nil {
		return "", false, err
	}
	if created {
		m.publish(ctx, rec.RecipientID, bus.KindNotificationCreated)
	}
	return id, created, nil
}

// MarkRead moves one record from unread to read. Repeats and unknown ids
// are no-ops.
func (m *Mailbox) MarkRead(ctx context.Context, recipientID, id string) error {
	if err := ValidateRecipient(recipientID); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return errors.NewInvalidInputError("notification id is required")
	}

	changed, err := m.store.MarkRead(ctx, recipientID, id, m.now())
	if stderrors.Is(err, errors.ErrNotFound) {
		m.log.Debug("markRead on unknown notification", map[string]interface{}{
			"recipientId":    recipientID,
			"notificationId": id,
		})
		return nil
	}
	if err != nil {
		return errors.NewStoreUnavailableError("markRead", err)
	}

	if changed {
		metrics.ReadTransitions.WithLabelValues("single").Inc()
		m.publish(ctx, recipientID, bus.KindNotificationRead)
	}
	return nil
}

// MarkAllRead flips only the records unread at call time and returns how
// many it flipped. Records that arrive concurrently stay unread.
func (m *Mailbox) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	if err := ValidateRecipient(recipientID); err != nil {
		return 0, err
	}

	delta, err := m.store.MarkAllRead(ctx, recipientID, m.now())
	if err != nil {
		return 0, errors.NewStoreUnavailableError("markAllRead", err)
	}

	if delta > 0 {
		metrics.ReadTransitions.WithLabelValues("all").Add(float64(delta))
		m.publish(ctx, recipientID, bus.KindMailboxReadAll)
	}
	return delta, nil
}

func (m *Mailbox) List(ctx context.Context, recipientID string, opts models.ListOptions) ([]models.NotificationRecord, error) {
	if err := ValidateRecipient(recipientID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = m.defaultPage
	}
	if opts.Limit > m.maxPage {
		opts.Limit = m.maxPage
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	records, err := m.store.List(ctx, recipientID, opts)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("list", err)
	}
	if records == nil {
		records = []models.NotificationRecord{}
	}
	return records, nil
}

func (m *Mailbox) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	if err := ValidateRecipient(recipientID); err != nil {
		return 0, err
	}
	n, err := m.store.UnreadCount(ctx, recipientID)
	if err != nil {
		return 0, errors.NewStoreUnavailableError("unreadCount", err)
	}
	return n, nil
}

// State is the full-state snapshot pushed to live subscribers.
func (m *Mailbox) State(ctx context.Context, recipientID string) (*models.MailboxState, error) {
	records, err := m.List(ctx, recipientID, models.ListOptions{})
	if err != nil {
		return nil, err
	}
	unread, err := m.UnreadCount(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	return &models.MailboxState{RecipientID: recipientID, Records: records, UnreadCount: unread}, nil
}

func (m *Mailbox) publish(ctx context.Context, recipientID, kind string) {
	ev := bus.Event{Key: bus.MailboxKey(recipientID), Kind: kind, At: m.now()}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.log.Warn("Failed to publish mailbox change", map[string]interface{}{
			"recipientId": recipientID,
			"kind":        kind,
			"error":       err.Error(),
		})
	}
}

// ValidateRecipient rejects an empty id and an id with surrounding
// whitespace, which would otherwise name a different mailbox.
func ValidateRecipient(recipientID string) error {
	trimmed := strings.TrimSpace(recipientID)
	switch {
	case trimmed == "":
		return errors.NewInvalidRecipientError("recipient id is required")
	case trimmed != recipientID:
		return errors.NewInvalidRecipientError("recipient id has surrounding whitespace")
	}
	return nil
}

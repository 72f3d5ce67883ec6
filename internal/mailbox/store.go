package mailbox

import (
	"context"
	"time"

	"portal-mailbox/internal/models"
)

// Store persists mailboxes. Every method is a single atomic unit per
// recipient: a record change and its counter adjustment land together or
// not at all.
type Store interface {
	// Append writes rec and increments the unread counter. With a non-empty
	// idempotencyKey a repeat for the same recipient returns the first
	// record's id and created=false.
	Append(ctx context.Context, rec models.NotificationRecord, idempotencyKey string) (id string, created bool, err error)

	// MarkRead flips one record to read. changed is false when it was
	// already read. Unknown ids return errors.ErrNotFound.
	MarkRead(ctx context.Context, recipientID, id string, at time.Time) (changed bool, err error)

	// MarkAllRead flips every currently unread record and returns how many
	// it flipped; the counter drops by exactly that many.
	MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error)

	// List returns records newest first.
	List(ctx context.Context, recipientID string, opts models.ListOptions) ([]models.NotificationRecord, error)

	// UnreadCount returns the stored counter without scanning.
	UnreadCount(ctx context.Context, recipientID string) (int64, error)

	// CountUnread scans records. It does not touch the counter.
	CountUnread(ctx context.Context, recipientID string) (int64, error)

	// Recompute overwrites the counter with a scan and returns the new value
	// alongside the one it replaced.
	Recompute(ctx context.Context, recipientID string) (actual, previous int64, err error)
}

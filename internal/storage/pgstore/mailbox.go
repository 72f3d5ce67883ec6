package pgstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"

	"github.com/google/uuid"
)

const (
	insertNotification = `
INSERT INTO notifications
	(id, recipient_id, type, title, message, action_ref, related_entity_id, triggered_by, created_at, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (recipient_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
RETURNING id`

	selectByIdempotencyKey = `
SELECT id FROM notifications WHERE recipient_id = $1 AND idempotency_key = $2`

	incrementCounter = `
INSERT INTO mailbox_counters (recipient_id, unread) VALUES ($1, 1)
ON CONFLICT (recipient_id) DO UPDATE SET unread = mailbox_counters.unread + 1`

	flipOne = `
UPDATE notifications SET read = TRUE, read_at = $3
WHERE recipient_id = $1 AND id = $2 AND NOT read
RETURNING id`

	existsOne = `
SELECT EXISTS (SELECT 1 FROM notifications WHERE recipient_id = $1 AND id = $2)`

	decrementCounter = `
UPDATE mailbox_counters SET unread = unread - $2 WHERE recipient_id = $1`

	flipAll = `
WITH flipped AS (
	UPDATE notifications SET read = TRUE, read_at = $2
	WHERE recipient_id = $1 AND NOT read
	RETURNING 1
)
SELECT COUNT(*) FROM flipped`

	selectCounter = `
SELECT unread FROM mailbox_counters WHERE recipient_id = $1`

	ensureCounter = `
INSERT INTO mailbox_counters (recipient_id, unread) VALUES ($1, 0)
ON CONFLICT (recipient_id) DO NOTHING`

	lockCounter = `
SELECT unread FROM mailbox_counters WHERE recipient_id = $1 FOR UPDATE`

	countUnread = `
SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT read`

	overwriteCounter = `
UPDATE mailbox_counters SET unread = $2 WHERE recipient_id = $1`

	listNotifications = `
SELECT id, recipient_id, type, title, message, action_ref, related_entity_id, triggered_by, read, created_at, read_at
FROM notifications
WHERE recipient_id = $1 AND ($2 = FALSE OR NOT read)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`
)

func (s *Store) Append(ctx context.Context, rec models.NotificationRecord, idempotencyKey string) (string, bool, error) {
	defer observe("append")()

	var (
		id      string
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, insertNotification,
			rec.ID, rec.RecipientID, string(rec.Type), rec.Title, rec.Message, rec.ActionRef,
			rec.RelatedEntityID, rec.TriggeredBy, rec.CreatedAt, nullString(idempotencyKey),
		).Scan(&id)

		if stderrors.Is(err, sql.ErrNoRows) {
			// idempotency key already used for this recipient
			return tx.QueryRowContext(ctx, selectByIdempotencyKey, rec.RecipientID, idempotencyKey).Scan(&id)
		}
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		if _, err := tx.ExecContext(ctx, incrementCounter, rec.RecipientID); err != nil {
			return fmt.Errorf("increment counter: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func (s *Store) MarkRead(ctx context.Context, recipientID, id string, at time.Time) (bool, error) {
	defer observe("mark_read")()

	if _, err := uuid.Parse(id); err != nil {
		return false, errors.NewNotFoundError("notification", id)
	}

	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var flipped string
		err := tx.QueryRowContext(ctx, flipOne, recipientID, id, at).Scan(&flipped)
		if stderrors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, existsOne, recipientID, id).Scan(&exists); err != nil {
				return fmt.Errorf("check notification: %w", err)
			}
			if !exists {
				return errors.NewNotFoundError("notification", id)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}

		if _, err := tx.ExecContext(ctx, decrementCounter, recipientID, 1); err != nil {
			return fmt.Errorf("decrement counter: %w", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	defer observe("mark_all_read")()

	var delta int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, flipAll, recipientID, at).Scan(&delta); err != nil {
			return fmt.Errorf("mark all read: %w", err)
		}
		if delta == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, decrementCounter, recipientID, delta); err != nil {
			return fmt.Errorf("decrement counter: %w", err)
		}
		return nil
	})
	return delta, err
}

func (s *Store) List(ctx context.Context, recipientID string, opts models.ListOptions) ([]models.NotificationRecord, error) {
	defer observe("list")()

	rows, err := s.db.QueryContext(ctx, listNotifications, recipientID, opts.UnreadOnly, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []models.NotificationRecord{}
	for rows.Next() {
		var (
			rec    models.NotificationRecord
			typ    string
			readAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.RecipientID, &typ, &rec.Title, &rec.Message, &rec.ActionRef,
			&rec.RelatedEntityID, &rec.TriggeredBy, &rec.Read, &rec.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Type = models.NotificationType(typ)
		if readAt.Valid {
			t := readAt.Time
			rec.ReadAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	defer observe("unread_count")()

	var n int64
	err := s.db.QueryRowContext(ctx, selectCounter, recipientID).Scan(&n)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, countUnread, recipientID).Scan(&n)
	return n, err
}

// Recompute locks the counter row before scanning so an append that commits
// meanwhile is applied on top of the new value rather than lost.
func (s *Store) Recompute(ctx context.Context, recipientID string) (int64, int64, error) {
	defer observe("recompute")()

	var actual, previous int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ensureCounter, recipientID); err != nil {
			return fmt.Errorf("ensure counter: %w", err)
		}
		if err := tx.QueryRowContext(ctx, lockCounter, recipientID).Scan(&previous); err != nil {
			return fmt.Errorf("lock counter: %w", err)
		}
		if err := tx.QueryRowContext(ctx, countUnread, recipientID).Scan(&actual); err != nil {
			return fmt.Errorf("count unread: %w", err)
		}
		if _, err := tx.ExecContext(ctx, overwriteCounter, recipientID, actual); err != nil {
			return fmt.Errorf("overwrite counter: %w", err)
		}
		return nil
	})
	return actual, previous, err
}

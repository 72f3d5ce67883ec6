package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"

	"github.com/redis/go-redis/v9"
)

func (s *Store) Append(ctx context.Context, rec models.NotificationRecord, idempotencyKey string) (string, bool, error) {
	defer observe("append")()

	rec.Read = false
	rec.ReadAt = nil
	body, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("encode notification: %w", err)
	}

	useIdem := "0"
	idemKey := s.idempotencyKey(rec.RecipientID, "-")
	if idempotencyKey != "" {
		useIdem = "1"
		idemKey = s.idempotencyKey(rec.RecipientID, idempotencyKey)
	}

	keys := []string{
		s.mailboxKey(rec.RecipientID, "records"),
		s.mailboxKey(rec.RecipientID, "order"),
		s.mailboxKey(rec.RecipientID, "unread"),
		idemKey,
	}
	res, err := appendNotification.Run(ctx, s.client, keys,
		rec.ID, body, micros(rec.CreatedAt), int64(s.idempotencyTTL.Seconds()), useIdem,
	).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("append: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	created, err := toInt64(res[1])
	if err != nil {
		return "", false, err
	}
	return id, created == 1, nil
}

func (s *Store) MarkRead(ctx context.Context, recipientID, id string, at time.Time) (bool, error) {
	defer observe("mark_read")()

	keys := []string{
		s.mailboxKey(recipientID, "records"),
		s.mailboxKey(recipientID, "read"),
		s.mailboxKey(recipientID, "unread"),
	}
	n, err := markNotificationRead.Run(ctx, s.client, keys, id, micros(at)).Int64()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, errors.NewNotFoundError("notification", id)
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	defer observe("mark_all_read")()

	keys := []string{
		s.mailboxKey(recipientID, "records"),
		s.mailboxKey(recipientID, "read"),
		s.mailboxKey(recipientID, "unread"),
	}
	return markAllNotificationsRead.Run(ctx, s.client, keys, micros(at)).Int64()
}

func (s *Store) List(ctx context.Context, recipientID string, opts models.ListOptions) ([]models.NotificationRecord, error) {
	defer observe("list")()

	orderKey := s.mailboxKey(recipientID, "order")

	var ids []string
	var err error
	if opts.UnreadOnly {
		ids, err = s.client.ZRevRange(ctx, orderKey, 0, -1).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, orderKey, int64(opts.Offset), int64(opts.Offset+opts.Limit-1)).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.NotificationRecord{}, nil
	}

	pipe := s.client.Pipeline()
	bodies := pipe.HMGet(ctx, s.mailboxKey(recipientID, "records"), ids...)
	reads := pipe.HMGet(ctx, s.mailboxKey(recipientID, "read"), ids...)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]models.NotificationRecord, 0, len(ids))
	readVals := reads.Val()
	for i, raw := range bodies.Val() {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var rec models.NotificationRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", ids[i], err)
		}
		if readAt, ok := readVals[i].(string); ok {
			rec.Read = true
			if us, err := strconv.ParseInt(readAt, 10, 64); err == nil {
				t := fromMicros(us)
				rec.ReadAt = &t
			}
		}
		out = append(out, rec)
	}

	if opts.UnreadOnly {
		out = pageUnread(out, opts)
	}
	return out, nil
}

func pageUnread(records []models.NotificationRecord, opts models.ListOptions) []models.NotificationRecord {
	unread := records[:0]
	for _, r := range records {
		if !r.Read {
			unread = append(unread, r)
		}
	}
	if opts.Offset >= len(unread) {
		return []models.NotificationRecord{}
	}
	end := opts.Offset + opts.Limit
	if opts.Limit <= 0 || end > len(unread) {
		end = len(unread)
	}
	return unread[opts.Offset:end]
}

func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	defer observe("unread_count")()

	n, err := s.client.Get(ctx, s.mailboxKey(recipientID, "unread")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *Store) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	actual, _, err := s.recompute(ctx, recipientID, false)
	return actual, err
}

func (s *Store) Recompute(ctx context.Context, recipientID string) (int64, int64, error) {
	return s.recompute(ctx, recipientID, true)
}

func (s *Store) recompute(ctx context.Context, recipientID string, write bool) (int64, int64, error) {
	defer observe("recompute")()

	flag := "0"
	if write {
		flag = "1"
	}
	keys := []string{
		s.mailboxKey(recipientID, "records"),
		s.mailboxKey(recipientID, "read"),
		s.mailboxKey(recipientID, "unread"),
	}
	res, err := recomputeUnread.Run(ctx, s.client, keys, flag).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("recompute: unexpected reply %v", res)
	}
	actual, err := toInt64(res[0])
	if err != nil {
		return 0, 0, err
	}
	previous, err := toInt64(res[1])
	if err != nil {
		return 0, 0, err
	}
	return actual, previous, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}

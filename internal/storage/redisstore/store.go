// Package redisstore keeps mailboxes and conversation threads in Redis.
// Multi-key changes run as Lua scripts so each one is atomic.
//
// Key layout under <prefix>:
//
//	mbx:{r}:records  HASH id -> record JSON (read state excluded)
//	mbx:{r}:order    ZSET id scored by createdAt (µs)
//	mbx:{r}:read     HASH id -> readAt (µs); presence means read
//	mbx:{r}:unread   STRING counter
//	mbx:{r}:idem:{k} STRING id, expires
//	conv:{id}        HASH conversation metadata and preview
//	conv:{id}:seq    STRING message sequence
//	conv:{id}:msgs   HASH seq -> message JSON
//	conv:{id}:order  ZSET seq scored by timestamp (µs)
//	conv:{id}:unread:{u} SET seqs addressed to u and not yet read
//	user:{u}:convs   ZSET conversation ids scored by last activity (µs)
package redisstore

import (
	"time"

	"portal-mailbox/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

const backend = "redis"

type Store struct {
	client         redis.UniversalClient
	prefix         string
	idempotencyTTL time.Duration
}

type Option func(*Store)

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

func New(client redis.UniversalClient, prefix string, opts ...Option) *Store {
	if prefix == "" {
		prefix = "portal"
	}
	s := &Store{client: client, prefix: prefix, idempotencyTTL: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) mailboxKey(recipientID, suffix string) string {
	return s.prefix + ":mbx:" + recipientID + ":" + suffix
}

func (s *Store) idempotencyKey(recipientID, key string) string {
	return s.prefix + ":mbx:" + recipientID + ":idem:" + key
}

func (s *Store) conversationKey(id string) string {
	return s.prefix + ":conv:" + id
}

func (s *Store) threadKey(id, suffix string) string {
	return s.prefix + ":conv:" + id + ":" + suffix
}

func (s *Store) unreadMessagesKey(id, userID string) string {
	return s.prefix + ":conv:" + id + ":unread:" + userID
}

func (s *Store) userConversationsKey(userID string) string {
	return s.prefix + ":user:" + userID + ":convs"
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}

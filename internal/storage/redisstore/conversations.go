package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"

	"github.com/redis/go-redis/v9"
)

// storedMessage is the immutable part of a message; seq and timestamp live
// in the order ZSET and read state in the per-receiver unread set.
type storedMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, bool, error) {
	defer observe("create_conversation")()

	a, b := conv.Participants[0], conv.Participants[1]
	keys := []string{
		s.conversationKey(conv.ID),
		s.userConversationsKey(a),
		s.userConversationsKey(b),
	}
	n, err := createConversation.Run(ctx, s.client, keys, conv.ID, a, b, micros(conv.CreatedAt)).Int64()
	if err != nil {
		return nil, false, err
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer observe("get_conversation")()

	fields, err := s.client.HGetAll(ctx, s.conversationKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields["id"] == "" {
		return nil, errors.NewNotFoundError("conversation", id)
	}
	return decodeConversation(fields)
}

func decodeConversation(fields map[string]string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:                fields["id"],
		Participants:      [2]string{fields["a"], fields["b"]},
		LastMessageText:   fields["last_text"],
		LastMessageSender: fields["last_sender"],
	}
	if v := fields["created_at"]; v != "" {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("conversation %s created_at: %w", conv.ID, err)
		}
		conv.CreatedAt = fromMicros(us)
	}
	if v := fields["last_time"]; v != "" {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("conversation %s last_time: %w", conv.ID, err)
		}
		t := fromMicros(us)
		conv.LastMessageTime = &t
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	defer observe("list_conversations")()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userConversationsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.conversationKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]models.Conversation, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if fields["id"] == "" {
			continue
		}
		conv, err := decodeConversation(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg models.Message, preview string) (*models.Message, error) {
	defer observe("append_message")()

	body, err := json.Marshal(storedMessage{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	keys := []string{
		s.conversationKey(msg.ConversationID),
		s.threadKey(msg.ConversationID, "seq"),
		s.threadKey(msg.ConversationID, "msgs"),
		s.threadKey(msg.ConversationID, "order"),
		s.unreadMessagesKey(msg.ConversationID, msg.ReceiverID),
		s.userConversationsKey(msg.SenderID),
		s.userConversationsKey(msg.ReceiverID),
	}
	res, err := appendMessage.Run(ctx, s.client, keys,
		body, micros(msg.Timestamp), preview, msg.SenderID, msg.ConversationID,
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("append message: unexpected reply %v", res)
	}

	seq, err := toInt64(res[0])
	if err != nil {
		return nil, err
	}
	if seq == 0 {
		return nil, errors.NewNotFoundError("conversation", msg.ConversationID)
	}
	ts, err := toInt64(res[1])
	if err != nil {
		return nil, err
	}

	msg.Seq = seq
	msg.Timestamp = fromMicros(ts)
	msg.Read = false
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	defer observe("list_messages")()

	entries, err := s.client.ZRangeWithScores(ctx, s.threadKey(conversationID, "order"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []models.Message{}, nil
	}

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i], _ = e.Member.(string)
	}

	pipe := s.client.Pipeline()
	bodies := pipe.HMGet(ctx, s.threadKey(conversationID, "msgs"), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	unread, err := s.unreadMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(entries))
	for i, raw := range bodies.Val() {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var sm storedMessage
		if err := json.Unmarshal([]byte(body), &sm); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", members[i], err)
		}
		seq, err := strconv.ParseInt(members[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("message seq %q: %w", members[i], err)
		}
		_, isUnread := unread[sm.ReceiverID][members[i]]
		out = append(out, models.Message{
			ID:             sm.ID,
			ConversationID: conversationID,
			SenderID:       sm.SenderID,
			ReceiverID:     sm.ReceiverID,
			Text:           sm.Text,
			Timestamp:      fromMicros(int64(entries[i].Score)),
			Seq:            seq,
			Read:           !isUnread,
		})
	}

	// ZRANGE breaks score ties by member; members are zero-padded seqs, so
	// this is already (timestamp, seq). The sort guards float rounding.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) unreadMembers(ctx context.Context, conversationID string) (map[string]map[string]struct{}, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]struct{}, 2)
	for _, p := range conv.Participants {
		members, err := s.client.SMembers(ctx, s.unreadMessagesKey(conversationID, p)).Result()
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		out[p] = set
	}
	return out, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	defer observe("mark_messages_read")()

	return markMessagesRead.Run(ctx, s.client, []string{s.unreadMessagesKey(conversationID, readerID)}).Int64()
}

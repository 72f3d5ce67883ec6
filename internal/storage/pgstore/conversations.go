package pgstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"
)

const (
	insertConversation = `
INSERT INTO conversations (id, participant_a, participant_b, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`

	selectConversation = `
SELECT id, participant_a, participant_b, created_at, last_message_text, last_message_time, last_message_sender
FROM conversations WHERE id = $1`

	listConversations = `
SELECT id, participant_a, participant_b, created_at, last_message_text, last_message_time, last_message_sender
FROM conversations
WHERE participant_a = $1 OR participant_b = $1
ORDER BY COALESCE(last_message_time, created_at) DESC
LIMIT $2`

	// last_message_time doubles as the thread's high-water mark; the row
	// lock serializes concurrent appends to one conversation.
	advancePreview = `
UPDATE conversations
SET last_message_time   = GREATEST(COALESCE(last_message_time, $2), $2),
	last_message_text   = $3,
	last_message_sender = $4
WHERE id = $1
RETURNING last_message_time`

	insertMessage = `
INSERT INTO messages (id, conversation_id, sender_id, receiver_id, text, ts)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`

	listMessages = `
SELECT seq, id, conversation_id, sender_id, receiver_id, text, ts, read
FROM messages
WHERE conversation_id = $1
ORDER BY ts ASC, seq ASC`

	markMessagesRead = `
UPDATE messages SET read = TRUE
WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv     models.Conversation
		lastTime sql.NullTime
	)
	if err := row.Scan(&conv.ID, &conv.Participants[0], &conv.Participants[1], &conv.CreatedAt,
		&conv.LastMessageText, &lastTime, &conv.LastMessageSender); err != nil {
		return nil, err
	}
	if lastTime.Valid {
		t := lastTime.Time
		conv.LastMessageTime = &t
	}
	return &conv, nil
}

func (s *Store) CreateConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, bool, error) {
	defer observe("create_conversation")()

	res, err := s.db.ExecContext(ctx, insertConversation, conv.ID, conv.Participants[0], conv.Participants[1], conv.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation: %w", err)
	}

	stored, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer observe("get_conversation")()

	conv, err := scanConversation(s.db.QueryRowContext(ctx, selectConversation, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	defer observe("list_conversations")()

	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, listConversations, userID, lim)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg models.Message, preview string) (*models.Message, error) {
	defer observe("append_message")()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, advancePreview, msg.ConversationID, msg.Timestamp, preview, msg.SenderID).
			Scan(&msg.Timestamp)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("conversation", msg.ConversationID)
		}
		if err != nil {
			return fmt.Errorf("advance preview: %w", err)
		}

		if err := tx.QueryRowContext(ctx, insertMessage,
			msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Text, msg.Timestamp,
		).Scan(&msg.Seq); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg.Read = false
	return &msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	defer observe("list_messages")()

	rows, err := s.db.QueryContext(ctx, listMessages, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Timestamp, &m.Read); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	defer observe("mark_messages_read")()

	res, err := s.db.ExecContext(ctx, markMessagesRead, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return res.RowsAffected()
}

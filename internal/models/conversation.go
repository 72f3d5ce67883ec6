package models

import "time"

// Conversation is the single shared thread between two participants.
// Participants is sorted so both sides see the same value.
type Conversation struct {
	ID                string     `json:"id" db:"id"`
	Participants      [2]string  `json:"participants"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	LastMessageText   string     `json:"lastMessageText,omitempty" db:"last_message_text"`
	LastMessageTime   *time.Time `json:"lastMessageTime,omitempty" db:"last_message_time"`
	LastMessageSender string     `json:"lastMessageSender,omitempty" db:"last_message_sender"`
}

// Peer returns the other participant, or "" if userID is not one of them.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Message is one entry in a conversation thread. Seq is assigned by the store
// and breaks timestamp ties in insertion order.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	SenderID       string    `json:"senderId" db:"sender_id"`
	ReceiverID     string    `json:"receiverId" db:"receiver_id"`
	Text           string    `json:"text" db:"text"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	Seq            int64     `json:"seq" db:"seq"`
	Read           bool      `json:"read" db:"read"`
}

// Preview is the last-message summary written back onto a conversation.
type Preview struct {
	Text   string
	Time   time.Time
	Sender string
}

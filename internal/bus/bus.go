// Package bus carries change notifications for mailbox and conversation keys.
// Delivery is at-least-once and ordered per key only; an event says "this key
// changed", never what changed, so subscribers re-read full state.
package bus

import (
	"context"
	"sync"
	"time"
)

const (
	KindNotificationCreated = "notification.created"
	KindNotificationRead    = "notification.read"
	KindMailboxReadAll      = "mailbox.read_all"
	KindCounterRecomputed   = "mailbox.counter_recomputed"
	KindConversationCreated = "conversation.created"
	KindMessageAppended     = "message.appended"
	KindConversationRead    = "conversation.read"
)

// Event is a change marker for one key.
type Event struct {
	Key  string    `json:"key"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, key string) (*Subscription, error)
}

// Bus is both ends of the change stream.
type Bus interface {
	Publisher
	Subscriber
}

// MailboxKey is the key for a recipient's notification mailbox.
func MailboxKey(recipientID string) string { return "mailbox:" + recipientID }

// ConversationKey is the key for one conversation's thread and preview.
func ConversationKey(conversationID string) string { return "conversation:" + conversationID }

// UserConversationsKey is the key for a user's conversation list.
func UserConversationsKey(userID string) string { return "conversations:" + userID }

// Subscription is a live stream of events for one key. Cancel is safe to
// call more than once and closes Events.
type Subscription struct {
	Key    string
	events chan Event
	once   sync.Once
	stop   func()
}

func newSubscription(key string, buffer int, stop func()) *Subscription {
	return &Subscription{Key: key, events: make(chan Event, buffer), stop: stop}
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// offer queues ev without blocking. A full buffer already holds a pending
// refresh for the subscriber, so dropping loses nothing.
func offer(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Package live turns bus change events into full-state refreshes for
// subscribers: one callback with the current state on subscribe, then one
// per change. Callbacks may repeat a state already delivered.
package live

import (
	"context"
	"sync"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/messaging"
	"portal-mailbox/internal/models"
)

// CancelFunc stops a subscription. It blocks until no further callback can
// run and is safe to call more than once.
type CancelFunc func()

type Service struct {
	subscriber bus.Subscriber
	mailbox    *mailbox.Mailbox
	registry   *messaging.Registry
	thread     *messaging.Thread
	log        logger.Logger
}

func New(subscriber bus.Subscriber, mb *mailbox.Mailbox, registry *messaging.Registry, thread *messaging.Thread, log logger.Logger) *Service {
	return &Service{
		subscriber: subscriber,
		mailbox:    mb,
		registry:   registry,
		thread:     thread,
		log:        log.WithFields(map[string]interface{}{"component": "live"}),
	}
}

// SubscribeMailbox streams recipientID's records and unread count.
func (s *Service) SubscribeMailbox(ctx context.Context, recipientID string, onChange func(models.MailboxState)) (CancelFunc, error) {
	return watch(ctx, s, "mailbox", bus.MailboxKey(recipientID),
		func(ctx context.Context) (models.MailboxState, error) {
			st, err := s.mailbox.State(ctx, recipientID)
			if err != nil {
				return models.MailboxState{}, err
			}
			return *st, nil
		}, onChange)
}

// SubscribeConversation streams the ordered messages of one conversation.
func (s *Service) SubscribeConversation(ctx context.Context, conversationID string, onChange func([]models.Message)) (CancelFunc, error) {
	return watch(ctx, s, "conversation", bus.ConversationKey(conversationID),
		func(ctx context.Context) ([]models.Message, error) {
			return s.thread.List(ctx, conversationID)
		}, onChange)
}

// SubscribeConversations streams userID's conversation list.
func (s *Service) SubscribeConversations(ctx context.Context, userID string, onChange func([]models.Conversation)) (CancelFunc, error) {
	return watch(ctx, s, "conversations", bus.UserConversationsKey(userID),
		func(ctx context.Context) ([]models.Conversation, error) {
			return s.registry.ListForUser(ctx, userID, 0)
		}, onChange)
}

// watch subscribes before the first read so no change between the read and
// the subscription is missed.
func watch[T any](parent context.Context, s *Service, kind, key string, load func(context.Context) (T, error), onChange func(T)) (CancelFunc, error) {
	ctx, cancel := context.WithCancel(parent)

	sub, err := s.subscriber.Subscribe(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}

	initial, err := load(ctx)
	if err != nil {
		sub.Cancel()
		cancel()
		return nil, err
	}
	onChange(initial)

	metrics.SubscriptionsActive.WithLabelValues(kind).Inc()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer metrics.SubscriptionsActive.WithLabelValues(kind).Dec()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
				drain(sub)
				state, err := load(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.log.Warn("Refresh failed", map[string]interface{}{"key": key, "error": err.Error()})
					continue
				}
				onChange(state)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
			<-done
		})
	}, nil
}

// drain discards queued events; one refresh covers all of them.
func drain(sub *bus.Subscription) {
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		default:
			return
		}
	}
}

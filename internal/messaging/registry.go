// Package messaging implements pairwise conversations: the registry that
// maps two participants to one shared conversation and the ordered message
// thread inside it.
package messaging

import (
	"context"
	stderrors "errors"
	"time"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/common/metrics"
	"portal-mailbox/internal/models"
)

// Store persists conversations and their threads.
type Store interface {
	// CreateConversation writes conv unless a conversation with the same id
	// exists. Either way it returns the stored record; created reports
	// whether this call wrote it.
	CreateConversation(ctx context.Context, conv models.Conversation) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)

	// AppendMessage stores msg and advances the conversation preview in one
	// step. The returned message carries the store-assigned Seq and the
	// effective Timestamp, which never precedes an earlier message.
	AppendMessage(ctx context.Context, msg models.Message, preview string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type Registry struct {
	store     Store
	publisher bus.Publisher
	log       logger.Logger
	now       func() time.Time
}

func NewRegistry(store Store, publisher bus.Publisher, log logger.Logger) *Registry {
	if publisher == nil {
		publisher = bus.Discard{}
	}
	return &Registry{
		store:     store,
		publisher: publisher,
		log:       log.WithFields(map[string]interface{}{"component": "conversation-registry"}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureConversation creates the conversation for a and b if it does not
// exist yet. id must be ConversationID(a, b).
func (r *Registry) EnsureConversation(ctx context.Context, id, a, b string) (*models.Conversation, bool, error) {
	lo, hi, err := orderPair(a, b)
	if err != nil {
		return nil, false, err
	}
	if id != lo+idSeparator+hi {
		return nil, false, errors.NewInvalidInputError("conversation id does not match participants")
	}

	conv, created, err := r.store.CreateConversation(ctx, models.Conversation{
		ID:           id,
		Participants: [2]string{lo, hi},
		CreatedAt:    r.now(),
	})
	if err != nil {
		return nil, false, errors.NewStoreUnavailableError("createConversation", err)
	}

	if created {
		metrics.ConversationsCreated.Inc()
		r.log.Info("Conversation created", map[string]interface{}{"conversationId": id})
		r.publish(ctx, bus.KindConversationCreated, bus.UserConversationsKey(lo), bus.UserConversationsKey(hi))
	}
	return conv, created, nil
}

func (r *Registry) GetOrCreate(ctx context.Context, a, b string) (*models.Conversation, bool, error) {
	id, err := ConversationID(a, b)
	if err != nil {
		return nil, false, err
	}
	return r.EnsureConversation(ctx, id, a, b)
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, id)
	if stderrors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("getConversation", err)
	}
	return conv, nil
}

// ListForUser returns userID's conversations, most recent activity first.
// limit <= 0 means all.
func (r *Registry) ListForUser(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	if userID == "" {
		return nil, errors.NewInvalidInputError("user id is required")
	}
	convs, err := r.store.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("listConversations", err)
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

func (r *Registry) publish(ctx context.Context, kind string, keys ...string) {
	at := r.now()
	for _, key := range keys {
		if err := r.publisher.Publish(ctx, bus.Event{Key: key, Kind: kind, At: at}); err != nil {
			r.log.Warn("Failed to publish conversation change", map[string]interface{}{
				"key":   key,
				"kind":  kind,
				"error": err.Error(),
			})
		}
	}
}

package api

import (
	"context"
	"io"
	"time"

	"portal-mailbox/internal/live"
	"portal-mailbox/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	eventMailbox       = "mailbox"
	eventMessages      = "messages"
	eventConversations = "conversations"
	eventHeartbeat     = "heartbeat"
)

func (s *Server) handleMailboxStream(c *gin.Context) {
	userID := UserID(c)
	stream(c, s, eventMailbox, func(ctx context.Context, push func(models.MailboxState)) (live.CancelFunc, error) {
		return s.deps.Live.SubscribeMailbox(ctx, userID, push)
	})
}

func (s *Server) handleConversationStream(c *gin.Context) {
	id, _, ok := s.participant(c)
	if !ok {
		return
	}
	stream(c, s, eventMessages, func(ctx context.Context, push func([]models.Message)) (live.CancelFunc, error) {
		return s.deps.Live.SubscribeConversation(ctx, id, push)
	})
}

func (s *Server) handleConversationsStream(c *gin.Context) {
	userID := UserID(c)
	stream(c, s, eventConversations, func(ctx context.Context, push func([]models.Conversation)) (live.CancelFunc, error) {
		return s.deps.Live.SubscribeConversations(ctx, userID, push)
	})
}

// stream relays full-state snapshots as SSE events until the client goes
// away. Only the newest pending snapshot is kept; older ones are
// superseded and never sent.
func stream[T any](c *gin.Context, s *Server, event string, subscribe func(context.Context, func(T)) (live.CancelFunc, error)) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	latest := make(chan T, 1)
	push := func(v T) {
		for {
			select {
			case latest <- v:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}

	stop, err := subscribe(ctx, push)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v := <-latest:
			c.SSEvent(event, v)
			return true
		case t := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, t.UTC().Format(time.RFC3339))
			return true
		}
	})
}

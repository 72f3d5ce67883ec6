package api

import (
	"net/http"
	"strconv"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/models"
	"portal-mailbox/internal/notify"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListNotifications(c *gin.Context) {
	opts := models.ListOptions{
		Limit:      queryInt(c, "limit", 0),
		Offset:     queryInt(c, "offset", 0),
		UnreadOnly: c.Query("unread") == "true",
	}
	records, err := s.deps.Mailbox.List(c.Request.Context(), UserID(c), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	n, err := s.deps.Mailbox.UnreadCount(c.Request.Context(), UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": n})
}

// handleMarkRead is idempotent and answers 204 for ids the caller does not
// own as well, so existence of other mailboxes' records is not revealed.
func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.deps.Mailbox.MarkRead(c.Request.Context(), UserID(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	delta, err := s.deps.Mailbox.MarkAllRead(c.Request.Context(), UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": delta})
}

func (s *Server) handleRecompute(c *gin.Context) {
	ctx := c.Request.Context()
	userID := UserID(c)

	drift, err := s.deps.Mailbox.CheckCounter(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	n, err := s.deps.Mailbox.RecomputeCounter(ctx, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"unreadCount": n,
		"previous":    drift.Stored,
		"repaired":    !drift.InSync(),
	})
}

type notifyResponse struct {
	Recipients      []string          `json:"recipients"`
	NotificationIDs map[string]string `json:"notificationIds"`
	Failures        []failure         `json:"failures"`
}

type failure struct {
	RecipientID    string           `json:"recipientId"`
	Code           errors.ErrorCode `json:"code"`
	Retryable      bool             `json:"retryable"`
	OutcomeUnknown bool             `json:"outcomeUnknown,omitempty"`
}

func failuresOf(report *notify.FanoutReport) []failure {
	out := make([]failure, 0, len(report.Failures))
	for _, f := range report.Failures {
		out = append(out, failure{
			RecipientID:    f.RecipientID,
			Code:           errors.CodeOf(f.Err),
			Retryable:      errors.IsRetryable(f.Err),
			OutcomeUnknown: errors.OutcomeUnknown(f.Err),
		})
	}
	return out
}

// handleNotify lets trusted services trigger notifications. A partial
// failure still answers 200 with the failures listed.
func (s *Server) handleNotify(c *gin.Context) {
	var req notify.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewInvalidPayloadError(err.Error()))
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = UserID(c)
	}
	if !req.HasAudience() {
		req.Role = s.adminRole
	}

	report, err := s.deps.Dispatcher.Send(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := notifyResponse{
		Recipients:      report.Recipients,
		NotificationIDs: report.Delivered,
		Failures:        failuresOf(report),
	}
	c.JSON(http.StatusOK, resp)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return v
}

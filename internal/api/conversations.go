package api

import (
	"net/http"

	"portal-mailbox/internal/common/errors"
	"portal-mailbox/internal/messaging"

	"github.com/gin-gonic/gin"
)

type openConversationRequest struct {
	PeerID string `json:"peerId" binding:"required"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleListConversations(c *gin.Context) {
	limit := queryInt(c, "limit", 0)
	if s.pageLimit > 0 && (limit <= 0 || limit > s.pageLimit) {
		limit = s.pageLimit
	}
	convs, err := s.deps.Registry.ListForUser(c.Request.Context(), UserID(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) handleOpenConversation(c *gin.Context) {
	var req openConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewInvalidInputError(err.Error()))
		return
	}

	conv, created, err := s.deps.Registry.GetOrCreate(c.Request.Context(), UserID(c), req.PeerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, _, ok := s.participant(c)
	if !ok {
		return
	}
	msgs, err := s.deps.Thread.List(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	id, peer, ok := s.participant(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewInvalidMessageError(err.Error()))
		return
	}

	msg, err := s.deps.Thread.Append(c.Request.Context(), id, UserID(c), peer, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleMarkConversationRead(c *gin.Context) {
	id, _, ok := s.participant(c)
	if !ok {
		return
	}
	n, err := s.deps.Thread.MarkRead(c.Request.Context(), id, UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// participant resolves the :id path parameter and checks the caller is one
// of its two members. It returns the id and the other member.
func (s *Server) participant(c *gin.Context) (string, string, bool) {
	id := c.Param("id")
	a, b, err := messaging.Participants(id)
	if err != nil {
		s.fail(c, err)
		return "", "", false
	}
	switch UserID(c) {
	case a:
		return id, b, true
	case b:
		return id, a, true
	}
	s.fail(c, errors.NewForbiddenError("not a participant of this conversation"))
	return "", "", false
}

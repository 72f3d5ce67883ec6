package api

import (
	"net/http"

	"portal-mailbox/internal/common/errors"

	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Details   string           `json:"details,omitempty"`
	Retryable bool             `json:"retryable"`
}

func abort(c *gin.Context, err error) {
	se := errors.Normalize(err)
	c.AbortWithStatusJSON(errors.HTTPStatus(se), gin.H{"error": errorBody{
		Code:      se.Code,
		Message:   se.Message,
		Details:   se.Details,
		Retryable: se.Retryable,
	}})
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.HTTPStatus(err) >= http.StatusInternalServerError {
		s.log.Error("request error", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
	}
	abort(c, err)
}

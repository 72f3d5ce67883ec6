// Package api exposes mailboxes and conversations over HTTP with live
// updates streamed as server-sent events.
package api

import (
	"context"
	"net/http"
	"time"

	"portal-mailbox/internal/common/config"
	"portal-mailbox/internal/common/logger"
	"portal-mailbox/internal/live"
	"portal-mailbox/internal/mailbox"
	"portal-mailbox/internal/messaging"
	"portal-mailbox/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceRole may call the internal notify endpoint alongside the admin role.
const ServiceRole = "service"

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type Deps struct {
	Mailbox    *mailbox.Mailbox
	Registry   *messaging.Registry
	Thread     *messaging.Thread
	Dispatcher *notify.Dispatcher
	Live       *live.Service
	Checks     map[string]CheckFunc
}

type Server struct {
	router    *gin.Engine
	deps      Deps
	heartbeat time.Duration
	adminRole string
	pageLimit int
	log       logger.Logger
}

func NewServer(cfg *config.Config, deps Deps, log logger.Logger) *Server {
	router := gin.New()
	l := log.WithFields(map[string]interface{}{"component": "api"})
	router.Use(Recovery(l), RequestLogger(l))

	s := &Server{
		router:    router,
		deps:      deps,
		heartbeat: config.GetDuration(cfg.HTTP.SSEHeartbeat),
		adminRole: cfg.Identity.AdminRole,
		pageLimit: cfg.Notifications.MaxPageSize,
		log:       l,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 25 * time.Second
	}
	s.setupRoutes(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes(secret, issuer string) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(JWTAuth(secret, issuer))
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleListNotifications)
			notifications.GET("/unread-count", s.handleUnreadCount)
			notifications.GET("/stream", s.handleMailboxStream)
			notifications.PUT("/:id/read", s.handleMarkRead)
			notifications.PUT("/read-all", s.handleMarkAllRead)
			notifications.POST("/recompute", s.handleRecompute)
		}

		conversations := api.Group("/conversations")
		{
			conversations.GET("", s.handleListConversations)
			conversations.POST("", s.handleOpenConversation)
			conversations.GET("/stream", s.handleConversationsStream)
			conversations.GET("/:id/messages", s.handleListMessages)
			conversations.POST("/:id/messages", s.handleSendMessage)
			conversations.PUT("/:id/read", s.handleMarkConversationRead)
			conversations.GET("/:id/stream", s.handleConversationStream)
		}

		internal := api.Group("/internal", RequireRole(s.adminRole, ServiceRole))
		{
			internal.POST("/notify", s.handleNotify)
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	ready := "ready"
	if status != http.StatusOK {
		ready = "not_ready"
	}
	c.JSON(status, gin.H{"status": ready, "checks": checks})
}

package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/anvaya/chatrelay/internal/auth"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/middleware"
	"github.com/anvaya/chatrelay/internal/normalize"
	"github.com/anvaya/chatrelay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConversationLimit = 50

type createMessageRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	Image    string `json:"image"`
}

type markReadRequest struct {
	Reader  string `json:"reader"`
	Partner string `json:"partner"`
}

// router builds the HTTP surface: REST, WebSocket upgrade, health and metrics.
func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(s.log.Named("http")), middleware.CORS(s.frontendURL))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.serveWS)

	api := r.Group("/api/messages", s.identity())
	api.POST("", middleware.RateLimit(s.limiter), s.createMessage)
	api.POST("/read", s.markRead)
	api.GET("/logs/:userId", s.conversations)
	api.GET("/:otherUserId/:userId", s.history)
	api.DELETE("/:messageId", s.deleteMessage)

	return r
}

// identity resolves the caller and stores it in the request context.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := s.identify(c.GetHeader("Authorization"), c.GetHeader("X-User-ID"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if id != "" {
			c.Request = c.Request.WithContext(auth.NewContext(c.Request.Context(), id))
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": s.presence.Online()})
}

func (s *Server) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	sender := normalize.UserID(req.Sender)
	if id, ok := auth.FromContext(ctx); ok {
		if sender != "" && sender != id {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot send as another user"})
			return
		}
		sender = id
	}

	msg, err := s.relay.SendMessage(ctx, nil, relay.SendRequest{
		Sender:   sender,
		Receiver: req.Receiver,
		Content:  req.Content,
		Image:    req.Image,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg.Redacted())
}

func (s *Server) history(c *gin.Context) {
	userA := c.Param("userId")
	userB := c.Param("otherUserId")

	ctx := c.Request.Context()
	if !allowedAs(ctx, userA) && !allowedAs(ctx, userB) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	msgs, err := s.store.History(ctx, userA, userB)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, data.RedactAll(msgs))
}

func (s *Server) deleteMessage(c *gin.Context) {
	ctx := c.Request.Context()
	requester, _ := auth.FromContext(ctx)

	msg, err := s.relay.DeleteMessage(ctx, nil, relay.DeleteRequest{
		MessageID: c.Param("messageId"),
		Requester: requester,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg.Redacted()})
}

func (s *Server) conversations(c *gin.Context) {
	userID := c.Param("userId")

	ctx := c.Request.Context()
	if !allowedAs(ctx, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot list another user's conversations"})
		return
	}

	limit := int64(defaultConversationLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	sums, err := s.store.Conversations(ctx, userID, limit)
	if err != nil {
		s.abort(c, err)
		return
	}
	for _, sum := range sums {
		sum.LastMessage = sum.LastMessage.Redacted()
	}
	c.JSON(http.StatusOK, sums)
}

func (s *Server) markRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	reader := normalize.UserID(req.Reader)
	if id, ok := auth.FromContext(ctx); ok {
		if reader != "" && reader != id {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot mark read for another user"})
			return
		}
		reader = id
	}
	if reader == "" || normalize.UserID(req.Partner) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reader and partner are required"})
		return
	}

	n, err := s.relay.MarkRead(ctx, nil, reader, req.Partner)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// abort writes the status for a store or relay error.
func (s *Server) abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, data.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, data.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, data.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, data.ErrPersistence):
		s.log.Error("store failure", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": data.ErrPersistence.Error()})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aeolun/relaychat/pkg/database"
	"github.com/gin-gonic/gin"
)

// PasswordHeader carries the relay password on /api requests
const PasswordHeader = "X-Relaychat-Password"

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(debugLog.Writer()), gin.Recovery())

	r.GET("/ws", s.handleWebSocket)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api", s.requirePassword)
	{
		api.GET("/servers", s.apiListServers)
		api.GET("/servers/:id/channels", s.apiListChannels)
		api.GET("/channels/:id/messages", s.apiListMessages)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"name":     s.config.ServerName,
		"sessions": s.sessions.Count(),
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) requirePassword(c *gin.Context) {
	if !s.checkPassword(c.GetHeader(PasswordHeader)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	c.Next()
}

func (s *Server) apiListServers(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	servers, err := s.store.ListServers(ctx)
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": servers})
}

func (s *Server) apiListChannels(c *gin.Context) {
	serverID, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	channels, err := s.store.ListChannels(ctx, serverID)
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": serverID, "channels": channels})
}

func (s *Server) apiListMessages(c *gin.Context) {
	channelID, ok := pathID(c)
	if !ok {
		return
	}
	limit := s.historyLimit(0)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = s.historyLimit(n)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	messages, err := s.store.ListMessages(ctx, channelID, limit)
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "messages": messages})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) apiError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrServerNotFound), errors.Is(err, database.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		errorLog.Printf("API %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

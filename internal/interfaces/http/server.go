// Package http exposes the client-initiated requests of §6 (user_input,
// tool_review) plus read access to sessions, messages and image blobs, and
// mounts the WebSocket event stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/session"
	apperrors "github.com/ngoclaw/agentcore/pkg/errors"
)

// Core is the application surface the transport needs.
type Core interface {
	UserInput(sessionID, input, model string) (string, error)
	ToolReview(sessionID, reviewID, choice string) error
	ListSessionsFiltered(status session.Status, after string, limit int) ([]*session.Session, error)
	GetMessages(id string, includeHidden bool) ([]session.Message, error)
	GetImage(id, name string) ([]byte, error)
	Cancel(id string) bool
}

// Config is the listen configuration.
type Config struct {
	Host string
	Port int
	Mode string // local | production
}

// Server is the HTTP adapter.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router. ws is mounted at /ws when non-nil.
func NewServer(cfg Config, core Core, ws http.Handler, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if ws != nil {
		router.GET("/ws", gin.WrapH(ws))
	}

	api := router.Group("/api")
	{
		api.POST("/input", handleUserInput(core))
		api.POST("/review", handleToolReview(core))
		api.GET("/sessions", handleListSessions(core))
		api.GET("/sessions/:id/messages", handleGetMessages(core))
		api.GET("/sessions/:id/images/:name", handleGetImage(core))
		api.POST("/sessions/:id/cancel", handleCancel(core))
	}

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger.With(zap.String("component", "http-server")),
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

type userInputBody struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input" binding:"required"`
	Model     string `json:"model"`
}

func handleUserInput(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body userInputBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := core.UserInput(body.SessionID, body.Input, body.Model)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"sessionId": id})
	}
}

type toolReviewBody struct {
	SessionID string `json:"sessionId" binding:"required"`
	ReviewID  string `json:"reviewId" binding:"required"`
	Choice    string `json:"choice" binding:"required"`
}

func handleToolReview(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body toolReviewBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := core.ToolReview(body.SessionID, body.ReviewID, body.Choice); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	}
}

func handleListSessions(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		sessions, err := core.ListSessionsFiltered(
			session.Status(c.Query("status")),
			c.Query("after"),
			limit,
		)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleGetMessages(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		includeHidden := c.Query("include_hidden") == "true"
		msgs, err := core.GetMessages(c.Param("id"), includeHidden)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleGetImage(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := core.GetImage(c.Param("id"), c.Param("name"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", data)
	}
}

func handleCancel(core Core) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled := core.Cancel(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.CodeInvalidInput:
			status = http.StatusBadRequest
		case apperrors.CodeNotFound:
			status = http.StatusNotFound
		case apperrors.CodeAlreadyExists:
			status = http.StatusConflict
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

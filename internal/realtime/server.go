package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentdeck/internal/orchestrator"
	"agentdeck/internal/task"
)

// Server exposes the orchestrator over HTTP: a JSON REST API for session
// and task operations plus a WebSocket event stream per session.
type Server struct {
	orch   *orchestrator.Service
	tasks  *task.Service
	logger *slog.Logger
	router *gin.Engine
}

// NewServer wires the routes. tasks may be nil to disable the task API.
func NewServer(orch *orchestrator.Service, tasks *task.Service, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		orch:   orch,
		tasks:  tasks,
		logger: logger,
		router: router,
	}

	router.Use(gin.Recovery(), s.requestLog())

	api := router.Group("/api")
	{
		api.GET("/tools", s.handleListTools)

		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleStartSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleStopSession)
		api.POST("/sessions/:id/input", s.handleSendInput)
		api.GET("/sessions/:id/history", s.handleHistory)
		api.GET("/sessions/:id/stream", s.handleStream)

		if tasks != nil {
			api.GET("/tasks", s.handleListTasks)
			api.POST("/tasks", s.handleCreateTask)
			api.GET("/tasks/:id", s.handleGetTask)
			api.POST("/tasks/:id/start", s.handleStartTask)

			api.POST("/nodes/:id/approve", s.nodeTransition(s.tasksApprove))
			api.POST("/nodes/:id/reject", s.nodeTransition(s.tasksReject))
			api.POST("/nodes/:id/retry", s.nodeTransition(s.tasksRetry))
			api.POST("/nodes/:id/cancel", s.nodeTransition(s.tasksCancel))
		}
	}

	return s
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API on addr until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("api server listening", "addr", addr)
	return s.router.Run(addr)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

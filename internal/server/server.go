package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"axon/internal/observability"
	"axon/internal/queue"
	"axon/internal/task"
	"axon/internal/toolscore"
)

// Server is the thin HTTP surface over the dispatch fabric: submit,
// status, health, metrics. It adapts the Dispatcher contract and nothing
// more.
type Server struct {
	dispatcher *queue.Dispatcher
	registry   *toolscore.Registry
	metrics    *observability.MetricsCollector
	logger     *observability.Logger

	httpServer *http.Server
}

// New builds the server on its router.
func New(addr string, dispatcher *queue.Dispatcher, registry *toolscore.Registry, metrics *observability.MetricsCollector) *Server {
	s := &Server{
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
		logger:     observability.NewComponentLogger("HTTPServer"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the gin engine. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/tasks", s.submitTask)
	router.GET("/tasks/:id", s.taskStatus)
	router.GET("/healthz", s.healthz)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return router
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type submitRequest struct {
	Description    string `json:"description"`
	TaskType       string `json:"task_type"`
	Priority       int    `json:"priority"`
	MaxSteps       int    `json:"max_steps"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SessionID      string `json:"session_id"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	t := &task.Task{
		Description:    req.Description,
		Type:           task.Type(req.TaskType),
		Priority:       req.Priority,
		MaxSteps:       req.MaxSteps,
		TimeoutSeconds: req.TimeoutSeconds,
		SessionID:      req.SessionID,
	}
	id, err := s.dispatcher.Submit(c.Request.Context(), t)
	if err != nil {
		if errors.Is(err, queue.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": string(task.StatusPending)})
}

func (s *Server) taskStatus(c *gin.Context) {
	st, err := s.dispatcher.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownTask):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		case errors.Is(err, queue.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) healthz(c *gin.Context) {
	ready := 0
	if s.registry != nil {
		ready = len(s.registry.ReadySnapshot())
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ready_tool_servers": ready})
}

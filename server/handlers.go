package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vision-stream-server/framebus"
	"vision-stream-server/source"
	"vision-stream-server/stream"
)

// busTotals is the slice of the frame bus exposed on /metrics
type busTotals interface {
	Totals() framebus.BusStats
}

// Server holds the handlers for the streaming control plane
type Server struct {
	manager *stream.Manager
	bus     busTotals
	logger  *zap.SugaredLogger
}

// NewServer creates the control-plane handlers
func NewServer(manager *stream.Manager, bus busTotals, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{manager: manager, bus: bus, logger: logger}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), cors())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/streams", s.handleListStreams)

	st := r.Group("/stream")
	{
		st.POST("/start", s.handleStartStreamWithGeneratedID)
		st.POST("/start/:sessionId", s.handleStartStream)
		st.POST("/stop/:sessionId", s.handleStopStream)
		st.GET("/status/:sessionId", s.handleStreamStatus)
	}

	return r
}

// cors allows any origin, matching the dashboard deployment
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// handleRoot reports service identity
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Streaming Service",
		"version": ServiceVersion,
		"status":  "operational",
	})
}

// handleHealth reports unhealthy until the manager is running
func (s *Server) handleHealth(c *gin.Context) {
	details := map[string]any{
		"active_streams":         s.manager.ActiveStreamCount(),
		"total_frames_processed": s.manager.TotalFramesProcessed(),
	}

	status, code := "healthy", http.StatusOK
	if !s.manager.Running() {
		status, code = "unhealthy", http.StatusServiceUnavailable
		details["error"] = "stream manager not running"
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Service:   ServiceName,
		Version:   ServiceVersion,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}

// handleMetrics returns service-wide counters
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_streams":         s.manager.ActiveStreamCount(),
		"total_frames_processed": s.manager.TotalFramesProcessed(),
		"bus":                    s.bus.Totals(),
		"timestamp":              time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleListStreams returns every registered session with live metrics
func (s *Server) handleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.manager.ListStreams()})
}

// handleStartStream starts, or replaces, the session named in the path
func (s *Server) handleStartStream(c *gin.Context) {
	s.startStream(c, c.Param("sessionId"))
}

// handleStartStreamWithGeneratedID starts a session under a fresh id
func (s *Server) handleStartStreamWithGeneratedID(c *gin.Context) {
	s.startStream(c, SessionIDPrefix+uuid.NewString())
}

func (s *Server) startStream(c *gin.Context, sessionID string) {
	var req StartStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desc, err := req.Descriptor(sessionID)
	if err != nil {
		s.writeError(c, sessionID, "failed to start stream", err)
		return
	}

	if err := s.manager.StartStream(sessionID, desc); err != nil {
		s.writeError(c, sessionID, "failed to start stream", err)
		return
	}

	c.JSON(http.StatusOK, StreamResponse{
		SessionID: sessionID,
		Status:    "streaming",
		Message:   "Stream started successfully",
	})
}

// handleStopStream stops a session and waits for its resources to be released
func (s *Server) handleStopStream(c *gin.Context) {
	sessionID := c.Param("sessionId")

	if err := s.manager.StopStream(sessionID); err != nil {
		s.writeError(c, sessionID, "failed to stop stream", err)
		return
	}

	c.JSON(http.StatusOK, StreamResponse{
		SessionID: sessionID,
		Status:    "stopped",
		Message:   "Stream stopped successfully",
	})
}

// handleStreamStatus returns live metrics for one session
func (s *Server) handleStreamStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")

	metrics, ok := s.manager.GetStreamMetrics(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream " + sessionID + " not found"})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) writeError(c *gin.Context, sessionID, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorw(msg, "sessionID", sessionID, "error", err)
	} else {
		s.logger.Warnw(msg, "sessionID", sessionID, "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, source.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrManagerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

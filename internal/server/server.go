// Package server exposes a session over HTTP so a browser or another device
// can drive recording, submission and playback remotely.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
	"github.com/audiolibrelab/speakcheck/internal/capture"
	"github.com/audiolibrelab/speakcheck/internal/service"
	"github.com/audiolibrelab/speakcheck/internal/store"
)

// HistoryLister serves GET /history. It may be nil.
type HistoryLister interface {
	ListEvaluations(ctx context.Context, subjectID string, limit int) ([]store.Evaluation, error)
}

// Server is the HTTP control surface for one session.
type Server struct {
	engine  *gin.Engine
	service service.Service
	history HistoryLister
	port    string
	logger  *slog.Logger
}

func New(svc service.Service, history HistoryLister, port string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		service: svc,
		history: history,
		port:    port,
		logger:  logger.With("component", "server"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	s.registerRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/status", s.handleStatus)

	record := r.Group("/record")
	{
		record.POST("/start", s.handleStartRecording)
		record.POST("/stop", s.handleStopRecording)
		record.POST("/discard", s.handleDiscard)
		record.POST("/another", s.handleRecordAnother)
	}

	r.POST("/submit", s.handleSubmit)
	r.POST("/retry", s.handleRetry)

	playback := r.Group("/playback")
	{
		playback.POST("/play", s.handlePlay)
		playback.POST("/pause", s.handlePause)
		playback.POST("/seek", s.handleSeek)
		playback.POST("/release", s.handleRelease)
		playback.GET("/positions", s.handlePositions)
	}

	r.GET("/history", s.handleHistory)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting speakcheck control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Status())
}

func (s *Server) handleStartRecording(c *gin.Context) {
	snap, err := s.service.StartRecording(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "recording": snap})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	artifact, err := s.service.StopRecording()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"artifact": service.ArtifactInfo{MimeType: artifact.MimeType, Bytes: artifact.Size()},
	})
}

func (s *Server) handleDiscard(c *gin.Context) {
	s.service.Discard()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRecordAnother(c *gin.Context) {
	snap, err := s.service.RecordAnother(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "recording": snap})
}

func (s *Server) handleSubmit(c *gin.Context) {
	out := s.service.Submit(c.Request.Context())
	if out.Err != nil {
		s.respondError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": out.Result})
}

func (s *Server) handleRetry(c *gin.Context) {
	out := s.service.Retry(c.Request.Context())
	if out.Err != nil {
		s.respondError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": out.Result})
}

func (s *Server) handlePlay(c *gin.Context) {
	var payload struct {
		URL string `json:"url"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			s.sendErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	var err error
	if payload.URL != "" {
		err = s.service.PlayURL(c.Request.Context(), payload.URL)
	} else {
		err = s.service.Play(c.Request.Context())
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "playback": s.service.Status().Playback})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.service.Pause(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "playback": s.service.Status().Playback})
}

func (s *Server) handleSeek(c *gin.Context) {
	var payload struct {
		Seconds *float64 `json:"seconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.service.Seek(*payload.Seconds); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "playback": s.service.Status().Playback})
}

func (s *Server) handleRelease(c *gin.Context) {
	if err := s.service.ReleasePlayback(); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		s.sendErrorResponse(c, http.StatusNotFound, "evaluation history is not configured")
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	rows, err := s.history.ListEvaluations(c.Request.Context(), c.Query("subject"), limit)
	if err != nil {
		s.sendErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []store.Evaluation{}
	}
	c.JSON(http.StatusOK, gin.H{"evaluations": rows, "total_count": len(rows)})
}

// statusFor maps a failure to the HTTP status the control surface reports.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.AlreadyRecording, apperr.AlreadySubmitting:
		return http.StatusConflict
	case apperr.PermissionDenied:
		return http.StatusForbidden
	case apperr.DeviceUnavailable:
		return http.StatusServiceUnavailable
	case apperr.EmptyRecording:
		return http.StatusUnprocessableEntity
	case apperr.UploadError, apperr.EvaluationError, apperr.MalformedEvaluation:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrNoRecording),
		errors.Is(err, capture.ErrSessionDiscarded):
		return http.StatusConflict
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	s.logger.Error("Sending error response to client", "error", err, "status_code", status)
	body := gin.H{"success": false, "error": apperr.Message(err)}
	if kind := apperr.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *gin.Context, statusCode int, errorMsg string) {
	s.logger.Error("Sending error response to client", "error_message", errorMsg, "status_code", statusCode)
	c.JSON(statusCode, gin.H{"success": false, "error": errorMsg})
}

func getLocalIP() string {
	// Dialing UDP sends nothing; it only picks the outbound interface.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"clipline/internal/api"
	"clipline/internal/config"
	"clipline/internal/logging"
	"clipline/internal/metadata"
	"clipline/internal/metrics"
	"clipline/internal/services"
)

const requestIDHeader = "X-Request-ID"

// APIServer serves the video HTTP API.
type APIServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	videos  *api.VideoService
	metrics *metrics.Metrics

	maxUpload int64
	handler   http.Handler

	listener net.Listener
	server   *http.Server
}

// NewAPIServer builds the HTTP surface. It returns nil when api.bind is empty.
// m may be nil to disable instrumentation and the metrics route.
func NewAPIServer(cfg *config.Config, d *Daemon, videos *api.VideoService, m *metrics.Metrics, logger *slog.Logger) *APIServer {
	if cfg == nil || videos == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	srv := &APIServer{
		bind:      bind,
		logger:    logging.NewComponentLogger(logger, "api-server"),
		daemon:    d,
		videos:    videos,
		metrics:   m,
		maxUpload: cfg.MaxUploadBytes(),
	}
	srv.handler = srv.routes(cfg)
	srv.server = &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *APIServer) routes(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.MaxMultipartMemory = 32 << 20
	engine.HandleMethodNotAllowed = true
	engine.Use(s.requestID(), s.accessLog(), gin.CustomRecovery(s.recover))
	engine.NoRoute(func(c *gin.Context) {
		writeError(c, &api.Error{Status: http.StatusNotFound, Code: api.CodeInvalidRequest, Message: "route not found"})
	})
	engine.NoMethod(func(c *gin.Context) {
		writeError(c, &api.Error{Status: http.StatusMethodNotAllowed, Code: api.CodeInvalidRequest, Message: "method not allowed"})
	})

	engine.GET("/api/health", s.handleHealth)
	if s.metrics != nil && cfg.Metrics.Enabled {
		engine.GET(cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	secured := engine.Group("/api", authMiddleware(cfg.API.Token, cfg.API.JWTSecret))
	secured.POST("/videos", s.handleUpload)
	secured.GET("/videos", s.handleList)
	secured.GET("/videos/:id/status", s.handleStatus)
	secured.GET("/videos/:id/result", s.handleResult)
	secured.GET("/videos/:id/title", s.handleTitle)
	secured.GET("/videos/:id/download", s.handleArtifact("download"))
	secured.GET("/videos/:id/thumbnail", s.handleArtifact("thumbnail"))
	secured.POST("/videos/:id/retry", s.handleRetry)
	secured.GET("/queue/stats", s.handleQueueStats)
	return engine
}

// Start begins serving until ctx is done.
func (s *APIServer) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listen"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

// Handler exposes the routed handler for in-process use.
func (s *APIServer) Handler() http.Handler { return s.handler }

// Addr returns the bound address once started.
func (s *APIServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for requests.
func (s *APIServer) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *APIServer) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(services.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *APIServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.ObserveRequest(c.Request.Method, route, status, elapsed)
		}
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logging.WithContext(c.Request.Context(), s.logger).LogAttrs(c.Request.Context(), level, "http request",
			logging.String("method", c.Request.Method),
			logging.String("route", route),
			logging.Int("status", status),
			logging.Duration("elapsed", elapsed),
		)
	}
}

func (s *APIServer) recover(c *gin.Context, recovered any) {
	logging.ErrorWithContext(logging.WithContext(c.Request.Context(), s.logger), "handler panic", "api_panic",
		logging.String("panic", fmt.Sprint(recovered)),
		logging.String(logging.FieldErrorHint, "report the request that triggered this"),
	)
	writeError(c, &api.Error{Status: http.StatusInternalServerError, Code: api.CodeInternal, Message: "internal error"})
}

func (s *APIServer) handleUpload(c *gin.Context) {
	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload+(1<<20))
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, &api.Error{Status: http.StatusBadRequest, Code: api.CodeInvalidUpload,
				Message: fmt.Sprintf("file exceeds %d MB", s.maxUpload>>20)})
			return
		}
		writeError(c, &api.Error{Status: http.StatusBadRequest, Code: api.CodeMissingFile, Message: "File is required"})
		return
	}
	var maxDuration float64
	if raw := strings.TrimSpace(c.PostForm("max_duration_seconds")); raw != "" {
		maxDuration, err = strconv.ParseFloat(raw, 64)
		if err != nil || maxDuration < 0 {
			writeError(c, &api.Error{Status: http.StatusBadRequest, Code: api.CodeInvalidRequest,
				Message: "max_duration_seconds must be a non-negative number"})
			return
		}
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, &api.Error{Status: http.StatusInternalServerError, Code: api.CodeUploadFailed, Message: "Failed to read upload", Err: err})
		return
	}
	defer file.Close()

	resp, err := s.videos.Upload(c.Request.Context(), api.UploadRequest{
		Filename:           header.Filename,
		Body:               file,
		PlatformHint:       c.PostForm("platform_hint"),
		MaxDurationSeconds: maxDuration,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *APIServer) handleList(c *gin.Context) {
	var statuses []metadata.Status
	for _, value := range c.QueryArray("status") {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, metadata.Status(part))
			}
		}
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, &api.Error{Status: http.StatusBadRequest, Code: api.CodeInvalidRequest, Message: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	resp, err := s.videos.List(c.Request.Context(), statuses, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleStatus(c *gin.Context) {
	resp, err := s.videos.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleResult(c *gin.Context) {
	resp, err := s.videos.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleTitle(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, &api.Error{Status: http.StatusBadRequest, Code: api.CodeInvalidRequest, Message: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	resp, err := s.videos.Titles(c.Request.Context(), c.Param("id"), limit, c.Query("tone"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleArtifact(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path, err := s.videos.Artifact(c.Request.Context(), c.Param("id"), kind)
		if err != nil {
			s.fail(c, err)
			return
		}
		if kind == "download" {
			c.FileAttachment(path, c.Param("id")+".mp4")
			return
		}
		c.File(path)
	}
}

func (s *APIServer) handleRetry(c *gin.Context) {
	resp, err := s.videos.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *APIServer) handleQueueStats(c *gin.Context) {
	if s.daemon == nil || s.daemon.Inspector() == nil {
		writeError(c, &api.Error{Status: http.StatusNotImplemented, Code: api.CodeInternal, Message: "queue driver does not report stats"})
		return
	}
	stats, err := s.daemon.Inspector().Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	counts := make(map[string]int, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}
	c.JSON(http.StatusOK, api.QueueStatsResponse{Counts: counts})
}

func (s *APIServer) handleHealth(c *gin.Context) {
	resp := api.HealthResponse{Status: "ok", Checks: map[string]string{}}
	if s.daemon == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	status := s.daemon.Status(c.Request.Context())
	resp.Running = status.Running
	resp.PID = status.PID
	resp.Checks["store"] = checkText(status.StoreErr)
	if s.daemon.Inspector() != nil {
		resp.Checks["queue"] = checkText(status.QueueErr)
	}
	if status.ConsumerErr != nil {
		resp.Checks["consumer"] = checkText(status.ConsumerErr)
	}
	for _, dep := range status.Dependencies {
		resp.Dependencies = append(resp.Dependencies, api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		})
	}
	code := http.StatusOK
	for _, v := range resp.Checks {
		if v != "ok" {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, resp)
}

func checkText(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func (s *APIServer) fail(c *gin.Context, err error) {
	apiErr := api.AsError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		logging.WithContext(c.Request.Context(), s.logger).Error("request failed",
			logging.String(logging.FieldEventType, "api_error"),
			logging.String(logging.FieldErrorCode, apiErr.Code),
			logging.String("route", c.FullPath()),
			logging.Error(err),
		)
	}
	writeError(c, apiErr)
}

func writeError(c *gin.Context, e *api.Error) {
	c.AbortWithStatusJSON(e.Status, e.Body())
}

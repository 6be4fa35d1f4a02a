// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Av7danger/insider-detect/internal/cache"
	"github.com/Av7danger/insider-detect/internal/config"
	"github.com/Av7danger/insider-detect/internal/detector"
	"github.com/Av7danger/insider-detect/internal/ensemble"
	"github.com/Av7danger/insider-detect/internal/health"
	"github.com/Av7danger/insider-detect/internal/logging"
	"github.com/Av7danger/insider-detect/internal/metrics"
	"github.com/Av7danger/insider-detect/internal/model"
	"github.com/Av7danger/insider-detect/internal/predictions"
	"github.com/Av7danger/insider-detect/internal/ratelimit"
	"github.com/Av7danger/insider-detect/internal/realtime"
	"github.com/Av7danger/insider-detect/internal/security"
	"github.com/Av7danger/insider-detect/internal/session"
	"github.com/Av7danger/insider-detect/internal/stats"
	"github.com/Av7danger/insider-detect/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	detector     *detector.Service
	stats        *stats.Aggregator
	predictions  predictions.Store
	verdictCache cache.Cache
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Model version preloaded via option; skips loading from cfg.ModelDir
	preloaded *model.Version

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithModelVersion injects an already loaded model version (for testing)
func WithModelVersion(v *model.Version) Option {
	return func(s *Server) {
		s.preloaded = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/model)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.predictions = predictions.NewPostgresStore(db)
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.predictions = predictions.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	// Verdict cache (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		// Breaker keeps a down Redis from stalling every scoring request
		s.verdictCache = cache.NewGuarded(rc, 5, 30*time.Second)
		s.logger.Info("using Redis verdict cache", "ttl", cfg.CacheTTL)
	} else {
		s.verdictCache = cache.NewMemoryCache(cfg.CacheTTL)
		s.logger.Info("using in-memory verdict cache", "ttl", cfg.CacheTTL)
	}

	// Per-client admission control, enforced inside the scoring pipeline so
	// cached verdicts still consume an admission
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.RateLimitRequests,
		Window:            cfg.RateLimitWindow,
		CleanupInterval:   cfg.RateLimitWindow,
	})

	// Realtime hub for WebSocket alert streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Scoring pipeline
	detCfg := detector.DefaultConfig()
	detCfg.XGBWeight = cfg.XGBWeight
	detCfg.LSTMWeight = cfg.LSTMWeight
	detCfg.Threshold = cfg.Threshold
	detCfg.ScoreTimeout = cfg.ScoreTimeout
	detCfg.MinDuration = cfg.MinSessionDuration
	if len(cfg.BenignPatterns) > 0 {
		detCfg.BenignPatterns = cfg.BenignPatterns
	}

	det, err := detector.NewService(detCfg, s.verdictCache, s.predictions, s.rateLimiter,
		detector.WithLogger(s.logger),
		detector.WithHub(s.realtimeHub),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build scoring pipeline: %w", err)
	}
	s.detector = det

	// Activate models. A missing model directory is not fatal; scoring
	// requests are rejected with 503 until a version is activated.
	if s.preloaded != nil {
		s.detector.SwapVersion(s.preloaded)
	} else if v, err := model.LoadVersion(cfg.ModelDir); err != nil {
		s.logger.Warn("no model version loaded, scoring disabled until one is activated",
			"dir", cfg.ModelDir, "error", err)
	} else {
		s.detector.SwapVersion(v)
	}
	s.checks.Register("model", func(ctx context.Context) health.Status {
		if s.detector.ActiveVersion() == nil {
			return health.Status{Name: "model", Healthy: false, Detail: "no active version"}
		}
		return health.Status{Name: "model", Healthy: true}
	})

	s.stats = stats.NewAggregator(s.predictions)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time alert streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// API info
	s.router.GET("/", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.POST("/predict", s.predictHandler)
	v1.GET("/statistics", s.statisticsHandler)
	v1.GET("/models", s.modelsHandler)

	predictions.NewHandler(s.predictions).RegisterRoutes(v1)
}

// predictHandler scores a session and returns the verdict.
func (s *Server) predictHandler(c *gin.Context) {
	var sess session.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON session with an events array",
		})
		return
	}

	sess.Key = strings.TrimSpace(sess.Key)
	checks := []func() *validation.ValidationError{
		validation.MaxLength("sessionKey", sess.Key, validation.MaxKeyLength),
	}
	for i := range sess.Events {
		checks = append(checks, validation.ValidIPField("events.sourceIp", sess.Events[i].SourceIP))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	clientID := validation.SanitizeString(c.GetHeader("X-Client-ID"), validation.MaxKeyLength)
	if clientID == "" {
		clientID = c.ClientIP()
	}

	verdict, err := s.detector.Score(c.Request.Context(), &sess, clientID)
	if err != nil {
		s.renderScoreError(c, clientID, err)
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// renderScoreError maps pipeline errors to HTTP status codes.
func (s *Server) renderScoreError(c *gin.Context, clientID string, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		retryAfter := s.rateLimiter.RetryAfter(clientID)
		c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many requests, slow down",
		})
	case errors.Is(err, session.ErrInvalidSession), errors.Is(err, session.ErrUnorderedEvents):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": err.Error(),
		})
	case errors.Is(err, model.ErrModelUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": "No model version is available to score this session",
		})
	case errors.Is(err, ensemble.ErrScoringAnomaly):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scoring_anomaly",
			"message": "Model produced an invalid score",
		})
	default:
		logging.L(c.Request.Context()).Error("scoring failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func (s *Server) statisticsHandler(c *gin.Context) {
	snapshot, err := s.stats.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stats_unavailable",
			"message": "Failed to compute statistics",
		})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) modelsHandler(c *gin.Context) {
	v := s.detector.ActiveVersion()
	if v == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "model_unavailable",
			"message": "No model version is currently active",
		})
		return
	}
	c.JSON(http.StatusOK, v.Summary())
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "insider-detect",
		"version": "0.1.0",
		"endpoints": gin.H{
			"predict":     "POST /v1/predict",
			"predictions": "GET /v1/predictions",
			"statistics":  "GET /v1/statistics",
			"models":      "GET /v1/models",
			"websocket":   "GET /ws",
			"health":      "GET /health",
			"metrics":     "GET /metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health report
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Export DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight verdict persists finish
	if err := s.detector.Drain(ctx); err != nil {
		s.logger.Warn("persist drain incomplete", "error", err)
	} else {
		s.logger.Info("verdict persists drained")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close verdict cache
	if s.verdictCache != nil {
		if err := s.verdictCache.Close(); err != nil {
			s.logger.Error("cache close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

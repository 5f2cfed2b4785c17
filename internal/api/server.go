package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/middleware"
	"github.com/labqc-server/internal/service"
)

// Version is reported by the health endpoint.
var Version = "1.0.0"

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	cfg      domain.ServerConfig
	services service.Engine
	checks   map[string]HealthCheck
	logger   *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, services service.Engine, logger *logrus.Logger) *Server {
	// Set Gin mode based on the logger level
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware())
	router.Use(middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst).Middleware())
	if cfg.WriteTimeout > 0 {
		router.Use(middleware.RequestTimeout(cfg.WriteTimeout))
	}

	server := &Server{
		cfg:      cfg,
		services: services,
		checks:   make(map[string]HealthCheck),
		logger:   logger,
		router:   router,
	}

	server.setupRoutes()

	return server
}

// AddHealthCheck registers a dependency probe reported by /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		var err error
		if s.cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/flag", s.handleFlagValues)
		v1.POST("/results", s.handleSubmitResult)
		v1.GET("/results/:id", s.handleGetResult)
		v1.POST("/results/:id/verify", s.handleVerifyResult)
		v1.POST("/results/:id/evaluate", s.handleEvaluateResult)
		v1.GET("/patients/:patient_id/results", s.handleListPatientResults)

		v1.PUT("/analytes", s.handlePutAnalyte)
		v1.GET("/analytes", s.handleListAnalytes)
		v1.GET("/analytes/:code", s.handleGetAnalyte)

		v1.POST("/materials", s.handleCreateMaterial)
		v1.GET("/materials", s.handleListMaterials)
		v1.GET("/materials/:id", s.handleGetMaterial)
		v1.PUT("/materials/:id/targets", s.handleUpdateTargets)
		v1.POST("/materials/:id/retire", s.handleRetireMaterial)
		v1.POST("/materials/:id/runs", s.handleRecordRun)

		v1.GET("/materials/:id/analytes/:code/levey-jennings", s.handleLeveyJennings)
		v1.GET("/materials/:id/analytes/:code/chart", s.handleChart)
		v1.GET("/materials/:id/analytes/:code/statistics", s.handleStatistics)

		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/review", s.handleReviewRun)
	}
}

// handleHealth reports the status of every registered dependency.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Correlation-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Package server wires the inventory HTTP API together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/labinventario/inventario/pkg/inventario/admin"
	"github.com/labinventario/inventario/pkg/inventario/agentkeys"
	"github.com/labinventario/inventario/pkg/inventario/agentsync"
	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/config"
	"github.com/labinventario/inventario/pkg/inventario/events"
	"github.com/labinventario/inventario/pkg/inventario/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// ShutdownTimeout bounds how long in-flight requests may drain on shutdown
const ShutdownTimeout = 30 * time.Second

// CompressMinSize is the smallest response body that gets gzipped
const CompressMinSize = 512

// Server is the inventory HTTP server
type Server struct {
	db      *gorm.DB
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher
	router  *gin.Engine
	handler http.Handler
}

// Option configures optional server collaborators
type Option func(*Server)

// WithMetrics uses m instead of registering a new set on the registry
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithEvents publishes sync and key lifecycle events to p
func WithEvents(p events.Publisher) Option {
	return func(s *Server) {
		if p != nil {
			s.events = p
		}
	}
}

// New builds the router. Metrics are registered on reg and served from it at /metrics.
func New(db *gorm.DB, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, opts ...Option) *Server {
	if logger == nil {
		logger = observability.Discard()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		events:  events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(reg)
	}
	s.router = s.routes(reg)

	compress, err := gzhttp.NewWrapper(gzhttp.MinSize(CompressMinSize))
	if err != nil {
		// only reachable with invalid options
		panic(fmt.Sprintf("gzip wrapper: %v", err))
	}
	s.handler = compress(s.router)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		s.logger.Error("invalid trusted proxies, using the TCP peer address", "error", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery(), observability.RequestID(), observability.RequestLogger(s.logger, s.metrics))

	// Health check endpoint
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/health", s.health)

	v1 := api.Group("/v1")
	{
		// Operator session routes
		authHandler := auth.NewHandler(s.db)
		authHandler.RegisterRoutes(v1)

		// Admin routes (JWT, admin role required)
		adminGroup := v1.Group("/admin")
		adminGroup.Use(auth.AuthMiddleware(), auth.RequireAdmin())
		admin.NewHandler(s.db).RegisterRoutes(adminGroup)

		// Agent key management (JWT, admin role required)
		keyStore := agentkeys.NewGormStore(s.db)
		mgmtGroup := v1.Group("/agent-management")
		mgmtGroup.Use(auth.AuthMiddleware(), auth.RequireAdmin())
		agentkeys.NewHandler(keyStore, s.logger, s.metrics, s.cfg.Agent.InstallerPath).
			WithEvents(s.events).
			RegisterRoutes(mgmtGroup)

		// Agent API (X-Agent-API-Key)
		agentGroup := v1.Group("/agent")
		agentGroup.Use(agentkeys.AuthMiddleware(keyStore, s.logger, s.metrics))
		agentsync.NewHandler(s.db, s.logger, s.metrics).WithEvents(s.events).RegisterRoutes(agentGroup)
	}

	return r
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "service": "inventario"}

	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unreachable"
	}
	c.JSON(status, body)
}

// Router returns the underlying gin engine, useful for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the router wrapped with response compression
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the metrics registered for this server
func (s *Server) Metrics() *observability.Metrics {
	return s.metrics
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // installer downloads
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Package server wires the host together: logger, metrics, catalog,
// session registry, the operator HTTP surface and the app WebSocket
// endpoint.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/cartemplate/host/internal/api/http"
	"github.com/cartemplate/host/internal/api/middleware"
	"github.com/cartemplate/host/internal/api/ws"
	"github.com/cartemplate/host/internal/catalog"
	"github.com/cartemplate/host/internal/domain/registry"
	"github.com/cartemplate/host/internal/infrastructure/config"
	"github.com/cartemplate/host/internal/infrastructure/logging"
	"github.com/cartemplate/host/internal/infrastructure/monitoring"
	"github.com/cartemplate/host/internal/infrastructure/resilience"
	"github.com/cartemplate/host/internal/telemetry"
)

// Version is reported by the health endpoints.
const Version = "0.1.0"

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router   *gin.Engine
	sessions *registry.Manager
	catalog  *catalog.Directory
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	stop     chan struct{}
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	logger.Info("initializing host",
		zap.String("port", cfg.Server.Port),
		zap.Int("api_level", cfg.Host.APILevel),
		zap.Int("step_limit", cfg.Flow.StepLimit),
	)

	metrics := monitoring.NewMetrics()

	cat, err := catalog.New(catalog.Options{
		URL:             cfg.Catalog.URL,
		File:            cfg.Catalog.File,
		RefreshInterval: cfg.Catalog.RefreshInterval,
		AllowUnlisted:   cfg.Catalog.AllowUnlisted,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Catalog.URL != "" {
		if err := cat.Refresh(context.Background()); err != nil {
			logger.Warn("initial catalog fetch failed, running on fallback", zap.Error(err))
		}
		cat.Start(context.Background())
	}

	reporter := telemetry.NewRecorder(logger, metrics)
	sessions := registry.NewManager(registry.Settings{
		StepLimit:  cfg.Flow.StepLimit,
		ANRTimeout: cfg.Binding.ANRTimeout,
		Crash: resilience.Settings{
			MaxDeaths:     cfg.Binding.MaxDeaths,
			Interval:      cfg.Binding.DeathInterval,
			RetryDelay:    cfg.Binding.RetryDelay,
			MaxRetryDelay: cfg.Binding.MaxRetryDelay,
		},
	}, logger, metrics, reporter)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(sessions, cat, Version)
	wsHandler := ws.NewHandler(sessions, cat, cfg, logger, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	// Session inspection and control
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.DELETE("/sessions/:id", handlers.CloseSession)
	router.POST("/sessions/:id/lifecycle", handlers.Lifecycle)
	router.POST("/sessions/:id/back", handlers.BackPressed)
	router.POST("/sessions/:id/reset", handlers.ResetFlow)

	// Diagnostics
	router.GET("/bugreport", handlers.BugReport)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Catalog
	router.GET("/catalog", handlers.Catalog)
	router.POST("/catalog/refresh", handlers.RefreshCatalog)

	// App transport
	router.GET("/connect", wsHandler.HandleConnection)

	s := &Server{
		router:   router,
		sessions: sessions,
		catalog:  cat,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
	go s.uptimeLoop()

	logger.Info("host initialized")
	return s, nil
}

func (s *Server) uptimeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.UpdateUptime()
		case <-s.stop:
			return
		}
	}
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	s.logger.Info("shutting down host")
	close(s.stop)
	s.catalog.Stop()
	s.sessions.CloseAll()
	s.logger.Sync()
	return nil
}

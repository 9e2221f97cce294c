// Package api provides the HTTP API of portscan: on-demand scans, streamed
// scans over a websocket, stored reports, health and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/portscan/internal/api/handlers"
	"github.com/anstrom/portscan/internal/api/middleware"
	"github.com/anstrom/portscan/internal/auth"
	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/metrics"
	"github.com/anstrom/portscan/internal/scanning"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
	metricsUpdateInterval = 15 * time.Second
	limiterCleanupPeriod  = time.Minute
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     *config.Config
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	limiter    *middleware.RateLimiter

	scanner  apihandlers.Scanner
	reports  apihandlers.ReportReader
	database apihandlers.Pinger
	build    apihandlers.BuildInfo
}

// Option configures a Server.
type Option func(*Server)

// WithScanner replaces the scan engine built from the configuration.
func WithScanner(s apihandlers.Scanner) Option {
	return func(srv *Server) {
		srv.scanner = s
	}
}

// WithReports serves stored reports from r.
func WithReports(r apihandlers.ReportReader) Option {
	return func(srv *Server) {
		srv.reports = r
	}
}

// WithMetrics sets the metrics instance exposed on /metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(srv *Server) {
		srv.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(srv *Server) {
		srv.logger = l
	}
}

// WithBuildInfo sets what the version endpoint reports.
func WithBuildInfo(b apihandlers.BuildInfo) Option {
	return func(srv *Server) {
		srv.build = b
	}
}

// New creates a new API server. database may be nil, in which case scans
// are not stored and the report endpoints answer 503.
func New(cfg *config.Config, database *db.DB, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &Server{
		router: mux.NewRouter(),
		config: cfg,
		build:  apihandlers.BuildInfo{Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("api")
	if s.metrics == nil {
		s.metrics = metrics.GetGlobalMetrics()
	}

	if database != nil {
		s.database = database
		repo := db.NewReportRepository(database)
		if s.reports == nil {
			s.reports = repo
		}
		if s.scanner == nil {
			engineOpts := append(cfg.EngineOptions(), scanning.WithStore(repo), scanning.WithEngineLogger(s.logger))
			s.scanner = scanning.NewEngine(engineOpts...)
		}
	}
	if s.scanner == nil {
		s.scanner = scanning.NewEngine(append(cfg.EngineOptions(), scanning.WithEngineLogger(s.logger))...)
	}

	if cfg.API.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateLimitBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.GetAPIAddress(),
		Handler:           s.handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	health := apihandlers.NewHealthHandler(s.database, s.build)
	scans := apihandlers.NewScanHandler(s.scanner, s.reports, s.config.SchedulerConfig(),
		s.config.API.MaxConcurrentScans, s.logger)
	stream := apihandlers.NewStreamHandler(scans, s.checkOrigin)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/stream", stream.Stream).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
		Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server. Route-aware
// middleware is attached to the router; CORS wraps it in handler().
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	} else {
		s.router.Use(middleware.Logging(nil))
	}
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())
	if s.limiter != nil {
		s.router.Use(middleware.RateLimit(s.limiter, s.logger))
	}
	s.router.Use(middleware.Authentication(auth.NewKeyring(s.config.API.APIKeyHashes), s.logger))
	s.router.Use(middleware.ContentType())
	s.router.Use(middleware.MaxBodySize(s.config.API.MaxRequestSize))
	s.router.Use(middleware.RequestTimeout(s.config.API.RequestTimeout))
}

// handler wraps the router with CORS so preflight requests are answered
// before routing.
func (s *Server) handler() http.Handler {
	cors := s.config.API.CORS
	if !cors.Enabled {
		return s.router
	}
	return handlers.CORS(
		handlers.AllowedOrigins(cors.AllowedOrigins),
		handlers.AllowedMethods(cors.AllowedMethods),
		handlers.AllowedHeaders(cors.AllowedHeaders),
	)(s.router)
}

// checkOrigin admits websocket clients from the configured CORS origins.
// Without CORS only same-origin (or non-browser) clients are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	cors := s.config.API.CORS
	if cors.Enabled {
		return slices.Contains(cors.AllowedOrigins, "*") || slices.Contains(cors.AllowedOrigins, origin)
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server",
		"address", s.httpServer.Addr,
		"tls", s.config.API.TLS.Enabled,
		"auth", len(s.config.API.APIKeyHashes) > 0)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.metrics.StartPeriodicUpdates(bgCtx, metricsUpdateInterval)
	if s.limiter != nil {
		go s.cleanupLimiter(bgCtx)
	}

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.API.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.config.API.TLS.CertFile, s.config.API.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

func (s *Server) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup()
		}
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

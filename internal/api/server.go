// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/roi-ledger/internal/circuitbreaker"
	"github.com/roi-ledger/internal/config"
	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/models"
	"github.com/roi-ledger/internal/ratelimit"
	"github.com/roi-ledger/internal/service"
	"github.com/roi-ledger/internal/types"
)

// Service interfaces for dependency injection and testing

// PortfolioServiceInterface defines the portfolio operations the API calls
type PortfolioServiceInterface interface {
	GetPortfolio(ctx context.Context, q service.PortfolioQuery) (*models.Portfolio, error)
	InvalidateWallet(ctx context.Context, wallet string, chains []types.ChainID) ([]string, error)
}

// TaxServiceInterface defines the tax report operation the API calls
type TaxServiceInterface interface {
	GetTaxReport(ctx context.Context, q service.TaxReportQuery) (*models.TaxReport, error)
}

// LimiterStats is the read side of the provider limiter
type LimiterStats interface {
	Stats() ratelimit.Stats
	Emergency() bool
}

// BreakerStats reports per-source circuit breaker state
type BreakerStats interface {
	AllStats() map[string]circuitbreaker.Stats
}

// Deps are the services behind the routes. Breakers and Monitor may be nil.
type Deps struct {
	Portfolio     PortfolioServiceInterface
	Tax           TaxServiceInterface
	Limiter       LimiterStats
	Breakers      BreakerStats
	Monitor       *service.QueryMonitor
	Chains        *config.ChainTable
	EnabledChains []types.ChainID
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	config     *ServerConfig
	started    time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	RequestsPerSecond float64 // per client
	Burst             int
	TrustCallerHeader bool
}

// ServerConfigFrom maps the application config onto the server config.
func ServerConfigFrom(cfg config.ServerConfig) *ServerConfig {
	return &ServerConfig{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		TrustCallerHeader: cfg.TrustCallerHeader,
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		config:  config,
		started: time.Now(),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)
	rateLimiter.trustCallerHeader = s.config.TrustCallerHeader

	// order matters: request id first so every later log line carries it
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.HandleFunc("/portfolio", s.handleGetPortfolio).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/tax-report", s.handleGetTaxReport).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/cache", s.handleInvalidateCache).Methods(http.MethodDelete, http.MethodOptions)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/ingest"
	"github.com/revenue-tracker/internal/logging"
	"github.com/revenue-tracker/internal/metrics"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/service"
	"github.com/revenue-tracker/internal/storage"
	"github.com/revenue-tracker/internal/worker"
)

// Service interfaces for dependency injection and testing

// SyncController triggers and reports on the sync scheduler.
type SyncController interface {
	TriggerNow(ctx context.Context) (*worker.TriggerResult, error)
	Status() worker.SchedulerStatus
	IsHealthy() bool
}

// EngineInspector exposes engine state.
type EngineInspector interface {
	Status() ingest.EngineStatus
	FailedTxids() []ingest.FailedTxid
}

// SnapshotController triggers and reports on daily snapshots.
type SnapshotController interface {
	TakeManualSnapshot(ctx context.Context) *service.SnapshotResult
	Status(ctx context.Context) (*service.SnapshotStatus, error)
	IsHealthy() bool
}

// RevenueQueries answers the read endpoints and accepts network metrics.
type RevenueQueries interface {
	CurrentMetrics(ctx context.Context) (*models.CurrentMetrics, error)
	TransactionSummary(ctx context.Context) (*service.TransactionSummary, error)
	ListTransactions(ctx context.Context, page, limit int, search string) (*storage.TransactionPage, error)
	TransactionsByDate(ctx context.Context, date string) ([]models.PaymentRecord, error)
	DailyRevenue(ctx context.Context, days int) ([]models.DailyRevenue, error)
	DailyRevenueInRange(ctx context.Context, start, end string) ([]models.DailyRevenue, error)
	Snapshots(ctx context.Context, start, end string, limit int) ([]models.DailySnapshot, error)
	RevenueBreakdown(ctx context.Context) (*service.RevenueBreakdown, error)
	UpdateNetworkMetrics(ctx context.Context, patch models.MetricsPatch) (*models.CurrentMetrics, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the server maps to HTTP.
type Dependencies struct {
	Sync      SyncController
	Engine    EngineInspector
	Snapshots SnapshotController
	Revenue   RevenueQueries
	Store     Pinger
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	rateLimiter *RateLimiter
	deps        Dependencies
	config      config.ServerConfig
}

// NewServer creates a new API server instance.
func NewServer(cfg config.ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Sync == nil || deps.Engine == nil || deps.Snapshots == nil || deps.Revenue == nil {
		return nil, errors.New("api: sync, engine, snapshot and revenue dependencies are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:      mux.NewRouter(),
		rateLimiter: NewRateLimiter(cfg.RequestsPerSec, cfg.Burst),
		deps:        deps,
		config:      cfg,
	}
	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.deps.Logger, s.deps.Metrics))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	limited := api.NewRoute().Subrouter()
	limited.Use(RateLimitMiddleware(s.rateLimiter))

	// Admin
	limited.HandleFunc("/admin/revenue-sync", s.handleTriggerSync).Methods(http.MethodPost, http.MethodOptions)
	limited.HandleFunc("/admin/revenue-status", s.handleRevenueStatus).Methods(http.MethodGet)
	limited.HandleFunc("/admin/snapshot", s.handleTakeSnapshot).Methods(http.MethodPost, http.MethodOptions)
	limited.HandleFunc("/admin/snapshot-status", s.handleSnapshotStatus).Methods(http.MethodGet)
	limited.HandleFunc("/admin/metrics", s.handleUpdateMetrics).Methods(http.MethodPost, http.MethodOptions)

	// Metrics and history
	limited.HandleFunc("/metrics/current", s.handleCurrentMetrics).Methods(http.MethodGet)
	limited.HandleFunc("/history/revenue/daily", s.handleDailyRevenue).Methods(http.MethodGet)
	limited.HandleFunc("/history/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	limited.HandleFunc("/revenue/breakdown", s.handleRevenueBreakdown).Methods(http.MethodGet)

	// Transactions
	limited.HandleFunc("/transactions/summary", s.handleTransactionSummary).Methods(http.MethodGet)
	limited.HandleFunc("/transactions/paginated", s.handleListTransactions).Methods(http.MethodGet)
	limited.HandleFunc("/transactions/{date}", s.handleTransactionsByDate).Methods(http.MethodGet)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Sync      worker.SchedulerStatus `json:"sync"`
	Snapshot  ComponentHealth        `json:"snapshot"`
	Engine    EngineHealth           `json:"engine"`
}

// ComponentHealth is a single health flag.
type ComponentHealth struct {
	Healthy bool `json:"isHealthy"`
}

// EngineHealth is the engine part of HealthResponse.
type EngineHealth struct {
	Healthy      bool  `json:"isHealthy"`
	FailedTxids  int   `json:"failedTxids"`
	CurrentBlock int64 `json:"currentBlock"`
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	go s.rateLimiter.Start()
	s.deps.Logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("Shutting down API server")
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/serviceability-scanner/internal/enrich"
	"github.com/serviceability-scanner/internal/ingest"
	"github.com/serviceability-scanner/internal/job"
	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/progress"
	"github.com/serviceability-scanner/internal/snapshot"
)

// Service interfaces for dependency injection and testing

// IngestService runs uploads through the ingestion pipeline
type IngestService interface {
	Run(ctx context.Context, in ingest.Input, sink progress.Sink) (*ingest.Result, error)
}

// EnrichService runs locality enrichment for a source
type EnrichService interface {
	CountTargets(ctx context.Context, sourceID string) (int, error)
	Run(ctx context.Context, sourceID string, sink progress.Sink) (*enrich.Result, error)
}

// JobService controls batch check jobs
type JobService interface {
	Start(ctx context.Context, in job.StartInput) (*models.BatchJob, error)
	Pause(ctx context.Context, id string) (*models.BatchJob, error)
	Resume(ctx context.Context, id string) (*models.BatchJob, error)
	Cancel(ctx context.Context, id string) (*models.BatchJob, error)
	Get(ctx context.Context, id string) (*models.BatchJob, error)
	List(ctx context.Context, selectionID *string) ([]*models.BatchJob, error)
}

// SnapshotService reconstructs selection snapshots
type SnapshotService interface {
	Snapshot(ctx context.Context, selectionID string, at time.Time) (*snapshot.Result, error)
	Timeline(ctx context.Context, selectionID string) (*snapshot.Timeline, error)
}

// SourceRepository reads uploaded sources
type SourceRepository interface {
	GetByID(ctx context.Context, id string) (*models.Source, error)
	List(ctx context.Context) ([]*models.Source, error)
}

// SelectionRepository creates and reads selections
type SelectionRepository interface {
	CreateFromSource(ctx context.Context, selection *models.Selection) (int, error)
	GetByID(ctx context.Context, id string) (*models.Selection, error)
}

// ProviderCatalog lists configured providers
type ProviderCatalog interface {
	Names() []string
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the server's dependencies
type Services struct {
	Ingest     IngestService
	Enrich     EnrichService
	Jobs       JobService
	Snapshots  SnapshotService
	Sources    SourceRepository
	Selections SelectionRepository
	Providers  ProviderCatalog
	Database   Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	svc        Services
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxUploadBytes    int64
	TempDir           string
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, svc Services) *Server {
	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		config: config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: recovery sees panics from everything below it
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// mux runs middleware only on matched routes, so CORS wraps the router to answer preflights
	s.handler = CORSMiddleware()(s.router)

	// WriteTimeout would cut progress streams short, so streaming handlers clear it per request
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Sources
	api.HandleFunc("/sources", s.handleListSources).Methods("GET")
	api.HandleFunc("/sources/upload", s.handleUpload).Methods("POST")
	api.HandleFunc("/sources/{id}", s.handleGetSource).Methods("GET")
	api.HandleFunc("/sources/{id}/enrich", s.handleEnrich).Methods("POST")

	// Selections
	api.HandleFunc("/selections", s.handleCreateSelection).Methods("POST")
	api.HandleFunc("/selections/{id}", s.handleGetSelection).Methods("GET")
	api.HandleFunc("/selections/{id}/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/selections/{id}/timeline", s.handleTimeline).Methods("GET")

	// Jobs
	api.HandleFunc("/jobs", s.handleStartJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/pause", s.handlePauseJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/resume", s.handleResumeJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{
		"status":  "healthy",
		"service": "serviceability-scanner",
	}

	if s.svc.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.svc.Database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["database"] = err.Error()
		}
	}

	respondJSON(w, status, body)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

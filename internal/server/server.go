// Package server provides the HTTP monitoring API: health probes, worker
// and request inspection, metrics summaries, and maintenance triggers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/cache"
	"github.com/aristath/tacore/internal/metrics"
	"github.com/aristath/tacore/internal/store"
)

// BackupRunner triggers a store backup and returns its identifier.
type BackupRunner interface {
	Run(ctx context.Context) (string, error)
}

// JobRunner exposes registered maintenance jobs for manual triggering.
type JobRunner interface {
	JobNames() []string
	RunJob(name string) error
}

// Config holds server configuration.
type Config struct {
	ServiceName string
	Version     string
	Host        string
	Port        int
	Store       *store.Store
	Cache       *cache.Cache
	Collector   *metrics.Collector
	Backup      BackupRunner
	Jobs        JobRunner
	Log         zerolog.Logger
}

// Server is the HTTP monitoring API server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	cfg       Config
	log       zerolog.Logger
	startedAt time.Time
}

// New creates the server and wires all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "http").Logger(),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/live", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/workers", s.handleWorkers)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/requests", s.handleRequests)
		r.Get("/requests/{request_id}", s.handleRequest)
		r.Get("/stats", s.handleStats)
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/backup", s.handleBackup)
		r.Get("/jobs", s.handleJobs)
		r.Post("/jobs/{name}/run", s.handleRunJob)
		r.Get("/ws/metrics", s.handleMetricsStream)
	})
}

// Start starts the HTTP server; blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

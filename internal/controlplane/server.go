// Package controlplane provides the Health & Control Plane HTTP API: a
// chi router exposing health/readiness probes, per-collector and updater
// status, manual trigger/backfill endpoints, data-quality and performance
// introspection, and Prometheus metrics.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cryptodata/platform/internal/database"
	"github.com/cryptodata/platform/internal/materializer"
	"github.com/cryptodata/platform/internal/placeholder"
	"github.com/cryptodata/platform/internal/registry"
	"github.com/cryptodata/platform/internal/scheduler"
)

// Config holds the dependencies the control plane exposes over HTTP.
type Config struct {
	Log            zerolog.Logger
	Port           int
	DevMode        bool
	DB             *database.DB
	Registry       *registry.Registry
	Scheduler      *scheduler.Scheduler
	Updater        *materializer.Updater
	Placeholder    *placeholder.Manager
	ConfigSnapshot map[string]interface{} // non-secret config values for /config
}

// Server is the Health & Control Plane HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db          *database.DB
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	updater     *materializer.Updater
	placeholder *placeholder.Manager
	cfgSnapshot map[string]interface{}

	startedAt time.Time
}

// New constructs the control plane server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "controlplane").Logger(),
		db:          cfg.DB,
		registry:    cfg.Registry,
		scheduler:   cfg.Scheduler,
		updater:     cfg.Updater,
		placeholder: cfg.Placeholder,
		cfgSnapshot: cfg.ConfigSnapshot,
		startedAt:   time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/circuit-breaker-status", s.handleCircuitBreakerStatus)
		r.Get("/data-quality", s.handleDataQuality)
		r.Get("/performance", s.handlePerformance)
		r.Get("/config", s.handleConfig)
		r.Get("/logs", s.handleLogs)

		r.Post("/collect", s.handleCollect)
		r.Post("/backfill", s.handleBackfill)
		r.Post("/validate-data", s.handleValidateData)
		r.Post("/alert", s.handleAlert)

		r.Post("/collectors/{name}/start", s.handleCollectorStart)
		r.Post("/collectors/{name}/stop", s.handleCollectorStop)
		r.Post("/collectors/{name}/restart", s.handleCollectorRestart)
	})

	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// writeJSON writes a JSON response, matching the teacher's uniform
// response convention.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", portOf(s.server.Addr)).Msg("starting control plane HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down control plane HTTP server")
	return s.server.Shutdown(ctx)
}

func portOf(addr string) int {
	var port int
	_, _ = fmt.Sscanf(addr, ":%d", &port)
	return port
}

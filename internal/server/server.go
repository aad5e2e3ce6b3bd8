// Package server exposes the engine over a thin HTTP API: deal
// loading, run triggers, persisted results, health, and a websocket
// progress stream for long batches.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/modules/deal"
	"github.com/petrakis/cloval/internal/modules/results"
	"github.com/petrakis/cloval/internal/runner"
)

// Config holds server configuration.
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	DataDir  string
	Runner   *runner.Runner
	Repo     *results.Repository
	Loader   *deal.Loader
	Defaults RunDefaults
}

// RunDefaults seeds run options when a trigger omits them.
type RunDefaults struct {
	Paths   int
	Workers int
}

// Server is the HTTP shell.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	runner   *runner.Runner
	repo     *results.Repository
	loader   *deal.Loader
	hub      *ProgressHub
	dataDir  string
	defaults RunDefaults

	mu      sync.RWMutex
	current *deal.Deal
	running bool
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		runner:   cfg.Runner,
		repo:     cfg.Repo,
		loader:   cfg.Loader,
		hub:      NewProgressHub(cfg.Log),
		dataDir:  cfg.DataDir,
		defaults: cfg.Defaults,
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
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The progress stream upgrades to websocket; it bypasses the
		// server write timeout via the hub's own context handling.
		r.Get("/progress", s.hub.HandleWS)

		r.Route("/deals", func(r chi.Router) {
			r.Post("/", s.handleLoadDeal)
			r.Get("/current", s.handleCurrentDeal)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleTriggerRun)
			r.Post("/compliance", s.handleComplianceRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/tests", s.handleGetTests)
				r.Get("/trades", s.handleGetTrades)
				r.Get("/waterfall", s.handleGetWaterfall)
				r.Get("/migration", s.handleGetMigration)
			})
		})
	})
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the progress sink runs publish into.
func (s *Server) Hub() *ProgressHub {
	return s.hub
}

// Start begins serving. It blocks until the listener fails or the
// server shuts down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// SetDeal installs the active deal, e.g. one loaded at startup.
func (s *Server) SetDeal(d *deal.Deal) {
	s.mu.Lock()
	s.current = d
	s.mu.Unlock()
}

// CurrentDeal returns the active deal, or nil.
func (s *Server) CurrentDeal() *deal.Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Package web provides the HTTP API for the ingestion service: direct file
// and archive submission, batch status lookup, and watch-folder status.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mapdev/ingestd/internal/config"
	"github.com/mapdev/ingestd/internal/logging"
	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/pipeline"
	"github.com/mapdev/ingestd/internal/watcher"
)

// Server is the HTTP front of the ingestion service. The watch service is
// optional; when nil the watch status endpoint reports it as disabled.
type Server struct {
	cfg    config.Config
	proc   *pipeline.Processor
	store  manifest.Store
	watch  *watcher.Service
	router *chi.Mux
	server *http.Server
}

// NewServer wires the API routes around the processor and ledger store.
func NewServer(cfg config.Config, proc *pipeline.Processor, store manifest.Store, watch *watcher.Service) *Server {
	s := &Server{
		cfg:    cfg,
		proc:   proc,
		store:  store,
		watch:  watch,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/files", s.handleSubmitFile)
		r.Post("/archives", s.handleSubmitArchive)
		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{batchID}", s.handleGetBatch)
		r.Get("/watch/status", s.handleWatchStatus)
	})
}

// Start begins listening for HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// requestLogger logs one structured line per request, correlated with the
// chi request ID.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.FromContext(r.Context()).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", r.RemoteAddr,
		)
	})
}

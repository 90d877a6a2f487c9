// Package web exposes the capture and search engine over a JSON HTTP API.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/snipd-dev/snipd/internal/logging"
	"github.com/snipd-dev/snipd/internal/store"
)

// Server is the HTTP front for a store.Service.
type Server struct {
	store      *store.Service
	router     *chi.Mux
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds the router and handlers over the given service.
func NewServer(svc *store.Service, addr string) *Server {
	r := chi.NewRouter()

	s := &Server{
		store:  svc,
		router: r,
		log:    logging.ForService("web"),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))

	s.routes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() {
	s.router.Get("/api/v1/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/images", s.handleUpload)
		r.Get("/images", s.handleSearch)
		r.Get("/images/{id}", s.handleGetImage)
		r.Delete("/images/{id}", s.handleDeleteImage)
		r.Get("/images/{id}/file", s.handleImageFile)
		r.Put("/images/{id}/description", s.handleUpdateDescription)
		r.Put("/images/{id}/tags", s.handleUpdateTags)
		r.Get("/images/{id}/similar", s.handleSimilar)

		r.Get("/tags", s.handleListTags)
		r.Put("/tags", s.handleSyncTags)

		r.Get("/duplicates", s.handleDuplicates)
	})
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("web server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down web server: %w", err)
	}
	return nil
}

// Router exposes the mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Package v1 wires the HTTP surface of the sync service.
// It keeps handlers thin, delegating protocol rules to the service layer.
package v1

import (
	"log/slog"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/marchholt/billsync/internal/service/auth"
	"github.com/marchholt/billsync/internal/service/books"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
)

// Server wires handlers and middleware using Chi.
type Server struct {
	syncSvc syncsvc.Service
	authSvc auth.Service
	bookSvc books.Service
	store   any // optional ReadyChecker for readyz
	log     *slog.Logger
	rt      *chi.Mux
}

// New constructs the HTTP server with routes and middleware. store may
// implement ReadyChecker; it is only used by the readiness probe.
func New(syncService syncsvc.Service, authService auth.Service, bookService books.Service, store any, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)

	s := &Server{
		syncSvc: syncService,
		authSvc: authService,
		bookSvc: bookService,
		store:   store,
		log:     logger,
		rt:      r,
	}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints and attaches per-route middleware.
func (s *Server) routes() {
	// Auth (unauthenticated)
	s.rt.Post("/auth/register", s.register)
	s.rt.Post("/auth/login", s.login)

	// Sync protocol
	s.rt.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/sync/push", s.push)
		r.Get("/sync/pull", s.pull)
		r.Get("/sync/summary", s.summary)
		r.Get("/sync/activity", s.activity)
		r.Post("/sync/ids/allocate", s.allocateIDs)

		// Books (v1)
		r.Post("/v1/books", s.postBook)
		r.Get("/v1/books", s.listBooks)
		r.Post("/v1/books/{id}/members", s.postMember)
		r.Delete("/v1/books/{id}/members/{userId}", s.deleteMember)
	})

	// Ops (unversioned)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Get("/readyz", s.readyz)
	s.rt.Method(http.MethodGet, "/metrics", metricsHandler())
}

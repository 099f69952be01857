// Package api serves the operator console: a localhost JSON API over the
// prediction and auth services.
package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. Every route except /health and
// /ready requires cfg.ConsoleToken as a bearer token; a random token is
// generated when none is configured.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	if cfg.ConsoleToken == "" {
		cfg.ConsoleToken = rand.Text()
	}
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	router.Use(RequireJSON)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Group(func(gated chi.Router) {
		gated.Use(RequireConsoleToken(cfg.ConsoleToken))

		gated.Route("/auth", func(r chi.Router) {
			r.Post("/login", handler.Login)
			r.Post("/register", handler.Register)
			r.Post("/reset-password", handler.ResetPassword)
			r.Post("/admin-users", handler.CreateAdminUser)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(deps.Auth, domain.RoleViewer))
				r.Post("/logout", handler.Logout)
				r.Get("/me", handler.Me)
				r.Patch("/me", handler.UpdateMe)
			})
		})

		gated.Route("/predictions", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(deps.Auth, domain.RoleViewer))
				r.Post("/validate", handler.Validate)
				r.Get("/options", handler.Options)
				r.Get("/model", handler.Model)
			})

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(deps.Auth, domain.RoleAgent))
				r.With(RateLimitMiddleware(deps.Cache, deps.RateLimit)).Post("/", handler.Predict)
				r.Get("/{id}", handler.GetPrediction)
			})

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(deps.Auth, domain.RoleAnalyst))
				r.With(RateLimitMiddleware(deps.Cache, deps.RateLimit)).Post("/batch", handler.BatchPredict)
				r.Get("/", handler.ListPredictions)
			})
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// ConsoleToken returns the bearer token clients must present.
func (s *Server) ConsoleToken() string {
	return s.config.ConsoleToken
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

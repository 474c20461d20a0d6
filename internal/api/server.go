package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server serves the case workflow API.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer wires the handler, middleware and routes.
func NewServer(cfg domain.ServerConfig, svc *casework.Service, repo domain.Repository, cache domain.Cache, version string) *Server {
	h := NewHandler(svc, repo, cache, version, cfg.MaxUploadBytes)

	router := chi.NewRouter()
	router.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	router.Get("/health", h.Health)
	router.Get("/ready", h.Ready)

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/evaluate", h.Evaluate)
		r.Post("/score", h.Score)

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", h.ListCases)
			r.Post("/", h.CreateCase)
			r.Post("/import", h.ImportCases)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCase)
				r.Put("/narrative", h.AttachNarrative)
				r.Put("/edit", h.EditNarrative)
				r.Put("/approve", h.ApproveCase)
				r.Get("/audit", h.GetAuditTrail)
				r.Get("/transactions", h.GetCaseTransactions)
			})
		})

		r.Route("/screening-rules", func(r chi.Router) {
			r.Get("/", h.ListScreeningRules)
			r.Post("/", h.CreateScreeningRule)
			r.Post("/reload", h.ReloadScreeningRules)
			r.Delete("/{id}", h.DeleteScreeningRule)
		})
	})

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the routes for in-process tests.
func (s *Server) Router() http.Handler {
	return s.router
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/queue"
	"github.com/shohag/pushrelay/internal/registry"
	"github.com/shohag/pushrelay/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	auth     config.AuthConfig
	vapidKey string
	store    storage.Storage
	registry *registry.Registry
	enqueuer *queue.Enqueuer
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg *config.Config, store storage.Storage, reg *registry.Registry, enq *queue.Enqueuer, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg.Server,
		auth:     cfg.Auth,
		vapidKey: cfg.WebPush.VAPIDPublicKey,
		store:    store,
		registry: reg,
		enqueuer: enq,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	devHandler := NewDeviceHandler(s.registry, s.vapidKey, s.log)
	jobHandler := NewJobHandler(s.store, s.enqueuer, s.log)
	statsHandler := NewStatsHandler(s.store)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Browser-facing routes, authenticated as the end user.
		r.Group(func(r chi.Router) {
			r.Use(JWTMiddleware(s.auth.JWTSecret))

			r.Post("/devices/subscribe", devHandler.Subscribe)
			r.Post("/devices/unsubscribe", devHandler.Unsubscribe)
			r.Get("/devices", devHandler.List)
			r.Get("/push/public-key", devHandler.PublicKey)
		})

		// Producer routes for the services that raise business events.
		r.Group(func(r chi.Router) {
			r.Use(ProducerKeyMiddleware(s.auth.ProducerAPIKey))

			r.Post("/notifications", jobHandler.Enqueue)
			r.Get("/jobs", jobHandler.List)
			r.Get("/jobs/{id}", jobHandler.Get)
			r.Get("/stats", statsHandler.Stats)
		})
	})

	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

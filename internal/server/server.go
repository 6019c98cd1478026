// Package server wires the admin API handlers into an HTTP server.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/api"
	"github.com/reedfamily/reedwrap/internal/auth"
	"github.com/reedfamily/reedwrap/internal/config"
)

const shutdownTimeout = 10 * time.Second

type Handlers struct {
	Auth    *api.AuthHandler
	Control *api.ControlHandler
	Jobs    *api.JobHandler
	Backups *api.BackupHandler
	Stats   *api.StatsHandler
	Console *api.ConsoleHandler
}

type Server struct {
	cfg    config.AdminConfig
	router chi.Router
}

func New(cfg config.AdminConfig, authSvc *auth.Service, h Handlers) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.StandardLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/auth/login", h.Auth.Login)

		// Protected routes; websockets pass the token as a query parameter.
		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(authSvc))

			r.Post("/auth/logout", h.Auth.Logout)
			r.Get("/auth/me", h.Auth.Me)

			r.Get("/status", h.Control.Status)
			r.Get("/history", h.Control.History)
			r.Get("/events", h.Control.Events)
			r.Get("/players", h.Control.Players)
			r.Post("/commands", h.Control.Command)
			r.Post("/save", h.Control.Save)
			r.Post("/backup", h.Control.Backup)
			r.Post("/render", h.Control.Render)
			r.Post("/restart", h.Control.Restart)
			r.Post("/stop", h.Control.Stop)

			r.Get("/jobs", h.Jobs.List)
			r.Post("/jobs/{name}/run", h.Jobs.Run)
			r.Post("/jobs/{name}/interrupt", h.Jobs.Interrupt)

			r.Get("/stats", h.Stats.Latest)
			r.Get("/stats/history", h.Stats.History)
			r.Get("/stats/live", h.Stats.Live)

			r.Get("/backups", h.Backups.List)
			r.Get("/backups/{backupId}", h.Backups.Get)
			r.Get("/backups/{backupId}/download", h.Backups.Download)
			r.Delete("/backups/{backupId}", h.Backups.Delete)

			r.Get("/console", h.Console.Handle)
		})
	})

	return &Server{cfg: cfg, router: r}
}

func (s *Server) Router() chi.Router {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("admin API listening on %s", s.cfg.Listen)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

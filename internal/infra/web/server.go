// Package web is the HTTP surface of the separation engine: job
// submission, progress polling, result download, the live progress
// websocket and a small admin API.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/config"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/jobs"
	"github.com/cyrille8000/ffmpeg-demucs-vast-template/internal/separation"
)

type Server struct {
	engine  *jobs.Engine
	models  separation.ModelPool
	auth    *AuthManager
	apiKey  string
	started time.Time
	log     *zerolog.Logger

	srv *http.Server
}

func NewServer(cfg *config.Config, engine *jobs.Engine, models separation.ModelPool, logger *zerolog.Logger) *Server {
	webLog := logger.With().Str("component", "web").Logger()
	s := &Server{
		engine:  engine,
		models:  models,
		auth:    NewAuthManager(cfg.Server.SessionSecret, !cfg.Runtime.Dev, "", cfg.Server.SessionTTL),
		apiKey:  cfg.Server.AdminAPIKey,
		started: time.Now(),
		log:     &webLog,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.healthHandler)
	r.Get("/status", s.statusHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/admin/login", s.loginHandler)
	r.Post("/admin/logout", s.logoutHandler)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJobHandler)
		r.Get("/", s.listJobsHandler)
		r.Get("/{id}", s.getJobHandler)
		r.Get("/{id}/result", s.jobResultHandler)
		r.Get("/{id}/ws", s.jobProgressWS)
		r.With(s.adminOnly).Delete("/{id}", s.deleteJobHandler)
	})

	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// adminOnly guards mutating admin routes behind a valid session token.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

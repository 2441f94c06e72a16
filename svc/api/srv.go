package api

import (
	"codeshare/cfg"
	"codeshare/svc/auth"
	"codeshare/svc/lim"
	"codeshare/svc/svc"
	"codeshare/svc/util"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      Pinger
	counter    Pinger
	lim        *lim.Limiter
	httpServer *http.Server
}

// NewServer wires the HTTP routes. counter is the shared rate limit backend
// and may be nil when no Redis is configured.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, tokens *auth.Tokens, store Pinger, counter Pinger) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, tokens, c)
	s := &Server{
		router:  r,
		cfg:     c,
		store:   store,
		counter: counter,
		lim:     l,
	}
	// CORS runs ahead of routing so preflight requests never hit a 405.
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		r.Use(mw.Identity)
		hdl := &Hdl{paste: p, validate: NewValidator(c), cfg: c}
		r.With(mw.RateLimit(lim.EndpointCreate)).Post("/pastes", hdl.CreatePaste)
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/pastes/{code}", hdl.GetPaste)
		r.With(mw.RateLimit(lim.EndpointRead)).Get("/explore", hdl.Explore)
		r.With(mw.RateLimit(lim.EndpointWrite)).Patch("/pastes/{code}/anon", hdl.UpdatePasteWithToken)
		r.With(mw.RateLimit(lim.EndpointWrite)).Delete("/pastes/{code}/anon", hdl.DeletePasteWithToken)
		r.Group(func(r chi.Router) {
			r.Use(mw.RequireUser)
			r.With(mw.RateLimit(lim.EndpointWrite)).Patch("/pastes/{code}", hdl.UpdatePaste)
			r.With(mw.RateLimit(lim.EndpointWrite)).Delete("/pastes/{code}", hdl.DeletePaste)
			r.With(mw.RateLimit(lim.EndpointRead)).Get("/me/pastes", hdl.ListMine)
		})
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package httpapi exposes chat sessions over HTTP with server-sent events
// for streaming sends.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"botline/internal/chat"
	"botline/internal/domain"
	"botline/internal/metrics"
)

type Sessions interface {
	Open(ctx context.Context, botID string, id domain.Identity) (*chat.Session, error)
}

type Limiter interface {
	Allow(ctx context.Context, botID, identityKey string, now time.Time) (bool, int64, time.Time, error)
}

type Deduper interface {
	MarkFirst(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

type Config struct {
	Sessions    Sessions
	RateLimiter Limiter
	Dedupe      Deduper
	// Ready reports dependency health for the health endpoint.
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	HealthPath  string
	MetricsPath string
	Now         func() time.Time
	Logger      zerolog.Logger
}

type Server struct {
	sessions Sessions
	limiter  Limiter
	dedupe   Deduper
	ready    func(ctx context.Context) error
	validate *validator.Validate
	now      func() time.Time
	logger   zerolog.Logger
	cfg      Config
}

func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		sessions: cfg.Sessions,
		limiter:  cfg.RateLimiter,
		dedupe:   cfg.Dedupe,
		ready:    cfg.Ready,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      cfg.Now,
		logger:   cfg.Logger.With().Str("component", "httpapi").Logger(),
		cfg:      cfg,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.instrument)

	r.Get(s.cfg.HealthPath, s.handleHealth)
	r.Handle(s.cfg.MetricsPath, promhttp.Handler())

	r.Route("/v1/bots/{botID}", func(r chi.Router) {
		r.Use(identityMiddleware)
		r.Post("/messages", s.handleSend)
		r.Get("/state", s.handleState)
		r.Get("/chats", s.handleListChats)
		r.Post("/chats", s.handleNewChat)
		r.Put("/chats/{chatID}", s.handleSelectChat)
		r.Delete("/chat", s.handleClearChat)
	})

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", headerUserID, headerSessionToken, headerClientID, headerShareKey, headerIdempotencyKey},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Global().HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

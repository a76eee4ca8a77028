// Package server exposes the HTTP surface: OpenAI-compatible chat
// completions, the interactive agent endpoint, session management, model
// listing and health. Streaming responses use server-sent events.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"claudebridge/internal/api"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
	"claudebridge/internal/session"
	"claudebridge/internal/tracing"
)

// ChatProcessor handles one chat completion request end to end.
// Implemented by the stdio adapter.
type ChatProcessor interface {
	Process(ctx context.Context, req *api.ChatRequest) (*api.ChatCompletion, <-chan api.StreamElement, error)
}

// AgentRunner drives interactive sessions. Implemented by the pty adapter.
type AgentRunner interface {
	GetOrCreateSession(ctx context.Context, id string, opts api.SessionOptions) (*session.Session, error)
	Send(sess *session.Session, content string) error
	Stream(ctx context.Context, sess *session.Session) (<-chan api.AgentEvent, error)
	ListSessions() []session.SessionView
	GetSession(id string) (*session.Session, error)
	DeleteSession(id string) bool
}

// ProcessPool is the health-reporting slice of the process pool.
type ProcessPool interface {
	Stats() pool.Stats
	HealthCheck() pool.Health
}

// SessionStats is the occupancy-reporting slice of the session store.
type SessionStats interface {
	StatsSnapshot() session.Stats
}

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	SharedSecret string        // Bearer token required on /v1 when set
	Heartbeat    time.Duration // SSE keep-alive comment cadence
	Tracer       trace.Tracer  // Optional; nil disables request spans
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	chat     ChatProcessor
	agent    AgentRunner
	pool     ProcessPool
	sessions SessionStats
	started  time.Time
	router   chi.Router
}

// New assembles the server and its route table.
func New(cfg Config, chat ChatProcessor, agent AgentRunner, p ProcessPool, sessions SessionStats) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		chat:     chat,
		agent:    agent,
		pool:     p,
		sessions: sessions,
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware(s.cfg.Tracer))
	r.Use(requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.SharedSecret))
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/agent", s.handleAgent)
		r.Get("/models", s.handleModels)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleDeleteSession)
		})
	})

	r.Get("/health", s.handleHealth)
	return r
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatHTTP, "Server shutdown", err)
		}
	}()

	log.Info(log.CatHTTP, "Listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

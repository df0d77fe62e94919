// Package api exposes the HTTP surface: the inbound webhook, health check,
// and conversation inspection endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// HistoryReader exposes the read side of the conversation store. Peek must
// not create state for unknown ids; inspection of an arbitrary id is not a
// write.
type HistoryReader interface {
	Peek(conversationID string) ([]models.ChatTurn, bool)
	CountTokens(turns []models.ChatTurn) int
	Reset(conversationID string)
}

// SessionReader exposes the read side of the session tracker.
type SessionReader interface {
	StartTime(conversationID string) (time.Time, bool)
	LastActivity(conversationID string) (time.Time, bool)
	TimeUntilExpirationMillis(conversationID string) (int64, bool)
	Reset(conversationID string)
}

// Opts holds server configuration.
type Opts struct {
	Addr           string
	WebhookHandler http.HandlerFunc
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWebhookHandler mounts the transport's inbound webhook at POST /webhook.
func WithWebhookHandler(h http.HandlerFunc) Option {
	return func(o *Opts) { o.WebhookHandler = h }
}

// Server is the HTTP server for the assistant backend.
type Server struct {
	histories HistoryReader
	sessions  SessionReader
	srv       *http.Server
}

// NewServer creates a Server with its routes registered.
func NewServer(histories HistoryReader, sessions SessionReader, opts ...Option) (*Server, error) {
	if histories == nil {
		return nil, errors.New("history reader is required")
	}
	if sessions == nil {
		return nil, errors.New("session reader is required")
	}

	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{histories: histories, sessions: sessions}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if cfg.WebhookHandler != nil {
		r.Post("/webhook", cfg.WebhookHandler)
	}
	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/", s.handleGetConversation)
		r.Post("/reset", s.handleResetConversation)
	})

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the server's HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run starts the server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("Server.Run: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

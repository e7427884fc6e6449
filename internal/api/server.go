// Package api serves the conversation engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Defaults of the HTTP server.
const (
	DefaultAddr         = ":8080"
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
	maxRequestBodyBytes = 64 << 10
	readHeaderTimeout   = 10 * time.Second
	shutdownTimeout     = 15 * time.Second
	healthCheckTimeout  = 5 * time.Second
)

// Engine is the conversation engine surface the API exposes.
type Engine interface {
	HandleTurn(ctx context.Context, req flow.TurnRequest) (flow.TurnResult, error)
	SubmitFeedback(ctx context.Context, sessionID string, signal models.FeedbackSignal) (flow.FeedbackResult, error)
	GenerateCard(ctx context.Context, sessionID string) (flow.CardResult, error)
	SetStylePreference(ctx context.Context, sessionID, styleID string) (models.ConversationState, error)
	State(ctx context.Context, sessionID string) (models.ConversationState, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.MessageRecord, error)
	Reset(ctx context.Context, sessionID string) error
	Styles() []models.StyleProfile
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	Gatherer      prometheus.Gatherer
	HealthCheck   func(ctx context.Context) error
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithMetricsGatherer serves g at GET /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithHealthCheck reports the service degraded when check fails.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(o *Opts) { o.HealthCheck = check }
}

// Server is the HTTP front of the engine.
type Server struct {
	engine Engine
	opts   Opts
}

// NewServer creates a Server over engine.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{engine: engine, opts: cfg}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.chatHandler)
	mux.HandleFunc("GET /sessions/{id}", s.stateHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.resetHandler)
	mux.HandleFunc("GET /sessions/{id}/messages", s.historyHandler)
	mux.HandleFunc("POST /sessions/{id}/feedback", s.feedbackHandler)
	mux.HandleFunc("POST /sessions/{id}/card", s.cardHandler)
	mux.HandleFunc("PUT /sessions/{id}/style", s.styleHandler)
	mux.HandleFunc("GET /styles", s.stylesHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

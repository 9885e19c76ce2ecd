// Package server exposes the NTLM relay over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/metrics"
	"github.com/isometry/ad-ntlm-relay/internal/relay"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

// Config holds the HTTP server settings.
type Config struct {
	Listen          string
	ShutdownTimeout time.Duration

	SessionTTL    time.Duration
	SweepInterval time.Duration
	Persistent    bool
	CookieName    string

	// Realm is reported for Type 3 messages without a domain name.
	Realm string

	MetricsPath string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the root logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.logger = logging.OrNop(l)
	}
}

// WithMetrics registers relay metrics with reg and serves gatherer.
func WithMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = gatherer
	}
}

// WithEnricher enables directory lookups of authenticated identities.
func WithEnricher(e relay.Enricher) Option {
	return func(s *Server) {
		s.enricher = e
	}
}

// Server owns the session cache, its sweeper and the HTTP listener.
type Server struct {
	config Config
	server *http.Server
	cache  *session.Cache
	relay  *relay.Relay

	logger     logging.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	enricher   relay.Enricher

	shutdownOnce sync.Once
}

// New creates a stopped server relaying to the controllers reached by dialer.
func New(cfg Config, dialer relay.Dialer, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "adrelay_session"
	}

	s := &Server{
		config: cfg,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var m *metrics.Metrics
	if s.registerer != nil {
		m = metrics.New(s.registerer)
	}

	s.cache = session.New(cfg.SessionTTL,
		session.WithLogger(s.logger.Named(logging.SubsystemSession)),
		session.WithMetrics(m),
	)

	relayOpts := []relay.Option{
		relay.WithLogger(s.logger.Named(logging.SubsystemRelay)),
		relay.WithMetrics(m),
		relay.WithRealm(cfg.Realm),
	}
	if s.enricher != nil {
		relayOpts = append(relayOpts, relay.WithEnricher(s.enricher))
	}
	s.relay = relay.New(s.cache, dialer, relayOpts...)

	httpLogger := s.logger.Named(logging.SubsystemHTTP)
	s.server = &http.Server{
		Addr: cfg.Listen,
		Handler: NewRouter(s.relay, RouterConfig{
			NTLM: NTLMConfig{
				Persistent: cfg.Persistent,
				CookieName: cfg.CookieName,
				Logger:     httpLogger,
			},
			MetricsPath: cfg.MetricsPath,
			Gatherer:    s.gatherer,
			Logger:      httpLogger,
		}),
		ConnContext:       ConnContext,
		ErrorLog:          logging.StandardLogger(httpLogger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Relay returns the relay serving requests.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully and drops every cached session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.cache.Run(sweepCtx, s.config.SweepInterval)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
		s.cache.Close()
	}()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", map[string]any{
			"address":    ln.Addr().String(),
			"persistent": s.config.Persistent,
		})
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Relay shutdown signal received", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("relay server failed: %w", err)
	}
}

// Stop gracefully shuts the HTTP server down. It is safe to call repeatedly.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("relay server shutdown error: %w", err)
			s.logger.Error("Relay server shutdown error", map[string]any{"error": err.Error()})
			return
		}
		s.logger.Info("Relay server stopped gracefully", nil)
	})
	return shutdownErr
}

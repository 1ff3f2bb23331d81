package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ServerConfig configures the API server
type ServerConfig struct {
	Addr           string
	AdminToken     string
	CORSOrigins    []string
	RateLimit      RateLimitConfig
	StatusInterval time.Duration // How often gauges refresh and status is pushed
	Debug          ObservabilityConfig
}

// DefaultServerConfig returns production defaults on port 3000
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":3000",
		RateLimit:      DefaultRateLimitConfig,
		StatusInterval: time.Second,
		Debug:          DefaultObservabilityConfig(),
	}
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with the hub for real-time asset events.
type Server struct {
	assets      AssetService
	router      *chi.Mux
	hub         *Hub
	rateLimiter *IPRateLimiter
	cfg         ServerConfig
	logger      *zap.Logger

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a new API server.
//
// IMPORTANT: Background workers do NOT start until Start() is called.
// Tests can construct the server and use Router() without goroutines or
// network listeners.
func NewServer(svc AssetService, hub *Hub, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	s := &Server{
		assets:      svc,
		hub:         hub,
		rateLimiter: NewIPRateLimiter(cfg.RateLimit),
		cfg:         cfg,
		logger:      logger,
	}

	s.router = NewRouter(RouterConfig{
		Assets:      svc,
		RateLimiter: s.rateLimiter,
		CORSOrigins: cfg.CORSOrigins,
		AdminToken:  cfg.AdminToken,
		Logger:      logger,
	})

	// WebSocket routes need the hub instance, so they are not part of the
	// generic NewRouter factory.
	s.router.Get("/ws", s.hub.HandleWebSocket)

	return s
}

// Start opens the listener and starts background workers. It returns once
// the listener is bound; serving continues until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.New("api: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	// Workers outlive the start context; Shutdown cancels them.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.spawn(func() { s.hub.Run(workerCtx) })
	s.spawn(func() { s.hub.RunStatusLoop(workerCtx, s.assets, s.cfg.StatusInterval) })
	s.spawn(func() { s.rateLimiter.Run(workerCtx) })

	if err := StartDebugServer(workerCtx, s.cfg.Debug, s.logger); err != nil {
		s.logger.Warn("⚠️ Debug server not started", zap.Error(err))
	}

	srv := s.http
	s.spawn(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	})

	s.logger.Info("🌐 API server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Addr returns the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Router returns the HTTP handler for use with httptest.
// Use this in integration tests instead of calling Start().
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Shutdown stops accepting requests, drains in-flight ones and stops the
// background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.http, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	s.logger.Info("🛑 API server stopped")
	return err
}

// Package httpapi exposes the agent registry over HTTP and streams
// lifecycle events to websocket clients.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"oxsets/internal/domain"
	"oxsets/internal/infra/metrics"
	"oxsets/internal/infra/middleware"
)

// Agents is the registry surface the API calls into.
type Agents interface {
	List() []domain.AgentManifest
	Get(id string) (domain.AgentManifest, error)
	Verify(ctx context.Context, id string) (domain.VerificationResult, error)
	Launch(ctx context.Context, id string) (*domain.ProcessHandle, error)
	Stop(ctx context.Context, id string) (*domain.ProcessHandle, error)
	Status(ctx context.Context, id string) (domain.StatusReport, error)
	Logs(id string) ([]string, error)
	Rescan(ctx context.Context) (int, error)
}

// Deps holds the server's collaborators. Bus and Metrics may be nil.
type Deps struct {
	Agents  Agents
	Bus     domain.EventBus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Options configures the listener and middleware.
type Options struct {
	Addr              string
	Version           string
	AllowedOrigins    []string
	RateLimit         middleware.RateLimitConfig
	MetricsPath       string // empty disables the metrics route
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server serves the REST API and the /ws event stream.
type Server struct {
	agents  Agents
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    Options
	stream  *stream

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates an API server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		agents:  deps.Agents,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		opts:    opts,
		stream:  newStream(deps.Logger, opts.AllowedOrigins),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
// ctx bounds background work such as rate-limiter pruning.
func (s *Server) Handler(ctx context.Context) http.Handler {
	return middleware.Chain(s.routes(),
		middleware.SecurityHeaders,
		middleware.CORS(s.opts.AllowedOrigins),
		middleware.RateLimit(ctx, s.opts.RateLimit),
	)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.handleList)
	mux.HandleFunc("POST /api/agents/rescan", s.handleRescan)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGet)
	mux.HandleFunc("GET /api/agents/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /api/agents/{id}/launch", s.handleLaunch)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/agents/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /ws", s.stream.handleUpgrade)
	if s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("httpapi listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	if s.bus != nil {
		unsub := s.bus.SubscribeAll(s.stream.broadcast)
		defer unsub()
	}

	s.logger.Info("http api started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Warn("http api shutdown", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpapi serve: %w", err)
	}
	return nil
}

// Stop closes websocket clients and gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.stream.closeAll()

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BoundAddr returns the address the server bound to. Empty until Start
// has opened its listener.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"igproxy/pkg/config"
	"igproxy/pkg/imageproxy"
	"igproxy/pkg/logger"
	"igproxy/pkg/profile"
	"igproxy/pkg/ratelimit"
)

// ProfileService is the part of profile.Service the HTTP layer needs
type ProfileService interface {
	GetProfile(ctx context.Context, username string) (*profile.Record, error)
	CacheSize() int
}

// ImageFetcher is the part of imageproxy.Proxy the HTTP layer needs
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*imageproxy.Image, error)
}

// Deps are the collaborators a Server routes requests to
type Deps struct {
	Config   config.ServerConfig
	Profiles ProfileService
	Images   ImageFetcher
	Limiter  *ratelimit.KeyedLimiter
	// Metrics is optional; /metrics is only mounted when it is set
	Metrics *Metrics
	Logger  logger.Logger
	// Background tasks run for the lifetime of Run, e.g. the cache janitor
	Background []func(ctx context.Context)
	// Now overrides the health timestamp clock in tests
	Now func() time.Time
}

// Server is the gateway's HTTP front end
type Server struct {
	cfg        config.ServerConfig
	profiles   ProfileService
	images     ImageFetcher
	limiter    *ratelimit.KeyedLimiter
	metrics    *Metrics
	logger     logger.Logger
	background []func(ctx context.Context)
	now        func() time.Time
	router     chi.Router
}

// New builds a Server and its routes
func New(deps Deps) (*Server, error) {
	if deps.Profiles == nil {
		return nil, errors.New("profile service is required")
	}
	if deps.Images == nil {
		return nil, errors.New("image fetcher is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Config.ShutdownTimeout <= 0 {
		deps.Config.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:        deps.Config,
		profiles:   deps.Profiles,
		images:     deps.Images,
		limiter:    deps.Limiter,
		metrics:    deps.Metrics,
		logger:     log.WithField("component", "server"),
		background: deps.Background,
		now:        now,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestID)
	r.Use(AccessLog(s.logger))
	r.Use(Recover(s.logger))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(CORS)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Get("/scrape/{username}", s.handleScrape)
	r.Get("/proxy-image/", s.handleProxyImage)
	r.Get("/proxy-image", s.handleProxyImage)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then
// drains in-flight requests for at most ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, task := range s.background {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(bgCtx)
		}(task)
	}
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.LogComponentStart("server", map[string]interface{}{
		"addr":    ln.Addr().String(),
		"metrics": s.metrics != nil,
	})

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.LogComponentStop("server", "context cancelled")
	return nil
}

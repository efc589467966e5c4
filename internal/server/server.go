package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/megatera/review-feed/internal/auth"
	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest"
	"github.com/megatera/review-feed/internal/server/handlers"
)

type Server struct {
	config      *core.Config
	logger      *core.Logger
	authService *auth.Service
	registry    *core.Registry
	version     string
	handler     http.Handler
	server      *http.Server
}

// New builds the server and registers enabled features. Features are
// initialized by Start.
func New(config *core.Config, logger *core.Logger, version string) (*Server, error) {
	authService, err := auth.NewService(config, logger)
	if err != nil {
		return nil, err
	}

	registry := core.NewRegistry(logger)
	if config.IsFeatureEnabled("digest") {
		feature := digest.NewFeature(logger, digest.NewConfig(config))
		if err := registry.Register(feature); err != nil {
			return nil, fmt.Errorf("failed to register digest feature: %w", err)
		}
	}

	return &Server{
		config:      config,
		logger:      logger,
		authService: authService,
		registry:    registry,
		version:     version,
	}, nil
}

// Registry returns the feature registry
func (s *Server) Registry() *core.Registry {
	return s.registry
}

// Init initializes all features and builds the router
func (s *Server) Init(ctx context.Context) error {
	if err := s.registry.InitAll(ctx); err != nil {
		return err
	}
	s.setupRoutes()
	return nil
}

// Handler returns the HTTP handler; valid after Init
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) setupRoutes() {
	statusHandler := handlers.NewStatusHandler(s.logger, s.registry, s.version)
	authMiddleware := auth.NewMiddleware(s.authService, s.logger)

	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)

	mux.NotFound(statusHandler.NotFoundHandler)
	mux.MethodNotAllowed(statusHandler.MethodNotAllowedHandler)

	mux.Get("/health", statusHandler.HealthCheckHandler)

	routes := s.registry.GetAllRoutes()
	for _, route := range routes {
		if route.Protected {
			mux.With(authMiddleware.RequireControlToken).Method(route.Method, route.Path, route.Handler)
			continue
		}
		mux.Method(route.Method, route.Path, route.Handler)
	}

	s.handler = mux
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run initializes features, serves HTTP until ctx is cancelled, then shuts
// everything down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		s.logger.Error("Failed to initialize features", "error", err)
		return err
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.shutdownFeatures()
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Server listening", "host", s.config.Server.Host, "port", s.config.Server.Port)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.logger.Warn("Failed to notify systemd", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.shutdownFeatures()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) shutdownFeatures() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	s.registry.ShutdownAll(ctx)
}

// Shutdown stops accepting requests, then shuts down all features
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var serverErr error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			serverErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if err := s.registry.ShutdownAll(ctx); err != nil {
		s.logger.Error("Failed to shutdown features", "error", err)
	}

	return serverErr
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the authcalc HTTP surface: the authenticated MCP
// endpoint plus the unauthenticated health, discovery and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/authcalc/pkg/auth"
	"github.com/stacklok/authcalc/pkg/identity"
	"github.com/stacklok/authcalc/pkg/keycloak"
	"github.com/stacklok/authcalc/pkg/logger"
	"github.com/stacklok/authcalc/pkg/requeststate"
	"github.com/stacklok/authcalc/pkg/telemetry"
	"github.com/stacklok/authcalc/pkg/tools"
)

const (
	// DefaultEndpointPath is where the MCP streamable HTTP transport is mounted.
	DefaultEndpointPath = "/mcp"

	// defaultReadHeaderTimeout prevents slowloris attacks by limiting time to read request headers.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout closes idle keep-alive connections.
	defaultIdleTimeout = 120 * time.Second

	// defaultShutdownTimeout is the maximum time to wait for graceful shutdown.
	defaultShutdownTimeout = 10 * time.Second

	// defaultCORSMaxAge is how long browsers may cache preflight results, in seconds.
	defaultCORSMaxAge = 300

	// healthServiceName is reported by /health.
	healthServiceName = "mcp-server"
)

// corsMethods is every RFC 9110 method plus PATCH. go-chi/cors matches methods
// literally, so extension methods are never allowed cross-origin.
var corsMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace,
}

// Config configures the server.
type Config struct {
	// Name and Version identify the MCP server to clients
	Name    string
	Version string

	// Host and Port form the listen address; port 0 picks a free port
	Host string
	Port int

	// EndpointPath defaults to /mcp
	EndpointPath string

	// AuthMiddleware guards the MCP endpoint; nil serves it unauthenticated
	AuthMiddleware func(http.Handler) http.Handler

	// AuthInfoHandler serves RFC 9728 metadata; nil disables the route
	AuthInfoHandler http.Handler

	// DiscoveryHandler serves /.well-known/openid-configuration
	DiscoveryHandler http.Handler

	// RegistrationHandler serves /register; nil disables the route
	RegistrationHandler http.Handler

	// TelemetryProvider enables /metrics and tool instrumentation when set
	TelemetryProvider *telemetry.Provider

	// Identity configures the identity middleware
	Identity identity.Options
}

// Server is the authcalc HTTP server.
type Server struct {
	config     Config
	mcpServer  *server.MCPServer
	handler    http.Handler
	httpServer *http.Server

	listener   net.Listener
	listenerMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds the MCP server, registers the tools and assembles the router.
func New(cfg Config) (*Server, error) {
	if cfg.DiscoveryHandler == nil {
		return nil, errors.New("discovery handler is required")
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = DefaultEndpointPath
	}
	if cfg.Name == "" {
		cfg.Name = "Auth Calculator"
	}

	identityOpts := cfg.Identity
	toolMiddlewares := []server.ServerOption{}
	if cfg.TelemetryProvider != nil {
		identityOpts.MeterProvider = cfg.TelemetryProvider.MeterProvider()
		// outermost: the span covers identity resolution as well
		toolMiddlewares = append(toolMiddlewares, server.WithToolHandlerMiddleware(
			telemetry.NewToolMiddleware(cfg.TelemetryProvider.TracerProvider(), cfg.TelemetryProvider.MeterProvider()),
		))
	}
	ident := identity.NewMiddleware(identityOpts)
	toolMiddlewares = append(toolMiddlewares, server.WithToolHandlerMiddleware(ident.ToolMiddleware()))

	opts := append([]server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithRecovery(),
	}, toolMiddlewares...)

	mcpServer := server.NewMCPServer(cfg.Name, cfg.Version, opts...)
	tools.NewHandlers().Register(mcpServer, ident)

	s := &Server{
		config:    cfg,
		mcpServer: mcpServer,
		ready:     make(chan struct{}),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// MCPServer returns the underlying MCP dispatcher.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// CORS runs first so that preflight requests never reach authentication
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(_ *http.Request, _ string) bool { return true },
		AllowedMethods:   corsMethods,
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Mcp-Session-Id", "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           defaultCORSMaxAge,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Get("/ping", handleHealth)

	r.Handle(keycloak.DiscoveryPath, s.config.DiscoveryHandler)

	if s.config.AuthInfoHandler != nil {
		wellKnown := auth.NewWellKnownHandler(s.config.AuthInfoHandler)
		r.Handle(auth.WellKnownOAuthResourcePath, wellKnown)
		r.Handle(auth.WellKnownOAuthResourcePath+"/*", wellKnown)
		logger.Info("RFC 9728 OAuth discovery endpoints enabled at /.well-known/oauth-protected-resource")
	}

	if s.config.TelemetryProvider != nil {
		r.Handle("/metrics", s.config.TelemetryProvider.PrometheusHandler())
	}

	if s.config.RegistrationHandler != nil {
		r.Handle(keycloak.RegistrationPath, s.config.RegistrationHandler)
		logger.Info("Client registration forwarding enabled at /register")
	}

	streamable := server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(s.config.EndpointPath),
		server.WithHTTPContextFunc(requeststate.HTTPContextFunc),
	)

	r.Group(func(r chi.Router) {
		if s.config.AuthMiddleware != nil {
			r.Use(s.config.AuthMiddleware)
		} else {
			logger.Warn("MCP endpoint is served without authentication")
		}
		r.Use(requeststate.Middleware)
		r.Handle(s.config.EndpointPath, streamable)
	})

	return r
}

// Start listens and serves until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	// Create listener (allows port 0 to bind to random available port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	actualAddr := listener.Addr().String()
	logger.Infof("Starting MCP server at %s%s", actualAddr, s.config.EndpointPath)
	logger.Infof("Health endpoints available at %s/health and %s/ping", actualAddr, actualAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.readyOnce.Do(func() {
		close(s.ready)
	})

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down server")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorf("HTTP server error: %v", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return fmt.Errorf("server error: %w; stop error: %v", err, stopErr)
		}
		return err
	}
}

// Stop gracefully stops the HTTP server and flushes telemetry.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping MCP server")

	var errs []error

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	// Clear listener reference (already closed by httpServer.Shutdown)
	s.listenerMu.Lock()
	s.listener = nil
	s.listenerMu.Unlock()

	if s.config.TelemetryProvider != nil {
		if err := s.config.TelemetryProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
		}
	}

	if len(errs) > 0 {
		logger.Errorf("Errors during shutdown: %v", errs)
		return errors.Join(errs...)
	}

	logger.Info("MCP server stopped")
	return nil
}

// Address returns the server's actual listen address.
// If the server is started with port 0, this returns the actual bound port.
func (s *Server) Address() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// handleHealth answers liveness checks without touching the identity provider.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": healthServiceName,
	}); err != nil {
		logger.Errorf("Failed to encode health response: %v", err)
	}
}

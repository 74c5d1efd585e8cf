// Package server exposes the HTTP surface: a JSON API for managing MCP
// server connections and the OAuth callback route that completes pending
// authorizations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"mcphub/internal/agentcfg"
	"mcphub/internal/connection"
	"mcphub/internal/session"
)

const (
	// DefaultReadHeaderTimeout is the timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout is the timeout for writing responses. Tool calls
	// can be slow; keep this generous.
	DefaultWriteTimeout = 120 * time.Second
	// DefaultIdleTimeout is the idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	// ListenAddr is the bind address, e.g. ":8090". Required.
	ListenAddr string

	// Store is the durable session store. Required.
	Store session.Store

	// Rehydrator rebuilds connection managers from session records. Required.
	Rehydrator *connection.Rehydrator

	// Materializer assembles per-user agent configuration. Required.
	Materializer *agentcfg.Materializer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front end over the connection core.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a Server. Routes are registered on an internal mux; nothing
// listens until Start is called.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Rehydrator == nil {
		return nil, fmt.Errorf("rehydrator is required")
	}
	if cfg.Materializer == nil {
		return nil, fmt.Errorf("materializer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleConnect)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDisconnect)
	mux.HandleFunc("GET /api/sessions/{id}/tools", s.handleListTools)
	mux.HandleFunc("POST /api/sessions/{id}/tools/{name}", s.handleCallTool)
	mux.HandleFunc("GET /api/config", s.handleAgentConfig)
	mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}

	return s, nil
}

// Handler exposes the configured mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.logger.Info("HTTP server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP server lifecycle for the ranger
// binary: listener management (TCP port or Unix socket), graceful
// shutdown, and the standard logger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// Server serves HTTP on a TCP address or a Unix socket. The server
// manages listener lifecycle and graceful shutdown; the caller
// provides the http.Handler. Serve(ctx) blocks until the context is
// cancelled and active requests drain.
type Server struct {
	address    string
	socketPath string
	handler    http.Handler
	logger     *slog.Logger

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled. Streaming
	// requests settle on their own once the client connection drops,
	// so this only needs to cover well-behaved in-flight streams.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound and the server is
	// accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after ready is
	// closed.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g. ":4567"). Ignored when
	// SocketPath is set.
	Address string

	// SocketPath is a Unix socket path to listen on instead of TCP.
	SocketPath string

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests during graceful shutdown. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server for the configured endpoint. Call Serve
// to start accepting connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" && config.SocketPath == "" {
		panic("service.Server: Address or SocketPath is required")
	}
	if config.Handler == nil {
		panic("service.Server: Handler is required")
	}
	if config.Logger == nil {
		panic("service.Server: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		socketPath:      config.SocketPath,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed. Useful when the configured address uses port 0 — the
// resolved address contains the actual port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// listen binds the configured endpoint. A stale Unix socket left by a
// crashed predecessor is removed first.
func (s *Server) listen() (net.Listener, error) {
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
		}
		listener, err := net.Listen("unix", s.socketPath)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.socketPath, err)
		}
		return listener, nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.address, err)
	}
	return listener, nil
}

// Serve starts accepting HTTP connections. Blocks until ctx is
// cancelled, then performs graceful shutdown: stops accepting new
// connections and waits up to ShutdownTimeout for active requests to
// complete.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	if s.socketPath != "" {
		defer os.Remove(s.socketPath)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Requests are header-only GETs but the responses stream for
		// as long as the pipeline runs, so only the read side gets
		// timeouts.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	// Serve in a goroutine so we can wait for the context.
	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		// Server closed without error and without context cancel —
		// shouldn't happen, but handle gracefully.
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// NewLogger creates the standard ranger service logger: a JSON
// handler writing to stderr at Info level. It also sets the default
// slog logger so that third-party code using slog.Info etc. gets the
// same handler.
func NewLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

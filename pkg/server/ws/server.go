// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ws implements the MQTT-over-WebSocket front listener.
//
// Clients that speak MQTT over WebSocket binary messages get the same
// treatment as plain TCP clients: the first CONNECT frame is classified
// and normalized, then the session is relayed to the backend broker over
// TCP. The WebSocket leg is terminated here; the backend always sees a
// plain TCP stream.
package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivegate/hivegate/pkg/server/tcp"
	"github.com/hivegate/hivegate/pkg/session"
)

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Path is the HTTP path accepting WebSocket upgrades. Defaults to "/mqtt".
	Path string

	// TargetAddress is the backend broker address (host:port).
	TargetAddress string

	// TLSConfig is optional TLS configuration for the listener.
	TLSConfig *tls.Config

	// CheckOrigin overrides the upgrade origin check. Defaults to
	// accepting any origin, which is the norm for device-facing brokers.
	CheckOrigin func(r *http.Request) bool

	// ShutdownTimeout bounds graceful shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration

	// Logger for server events.
	Logger *slog.Logger
}

// Server terminates WebSocket connections and feeds them through the
// shared handshake/relay pipeline.
type Server struct {
	config   Config
	sessions *tcp.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	addr net.Addr
}

// New creates a WebSocket server sharing the TCP session pipeline. The
// tcp.Config optional fields (Limiter, Breaker, Metrics) apply here too.
func New(cfg Config, sessionCfg tcp.Config, hooks session.Hooks) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	sessionCfg.TargetAddress = cfg.TargetAddress
	sessionCfg.Transport = "ws"
	sessionCfg.Logger = cfg.Logger

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		config:   cfg,
		sessions: tcp.New(sessionCfg, hooks),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  checkOrigin,
		},
	}
}

// Listen starts the WebSocket server and blocks until the context is
// cancelled. Bind failure is returned immediately.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, func(w http.ResponseWriter, r *http.Request) {
		s.serveUpgrade(ctx, w, r)
	})

	srv := &http.Server{
		Handler:   mux,
		TLSConfig: s.config.TLSConfig,
	}

	s.config.Logger.Info("websocket proxy listening",
		slog.String("address", s.config.Address),
		slog.String("path", s.config.Path),
		slog.String("target", s.config.TargetAddress))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			errCh <- srv.ServeTLS(listener, "", "")
		} else {
			errCh <- srv.Serve(listener)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing websocket listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			srv.Close()
		}
		return err
	}
	return nil
}

// Addr returns the bound listener address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// serveUpgrade upgrades one HTTP request and runs the session pipeline on
// the adapted connection. The pipeline owns the connection from here on.
func (s *Server) serveUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.config.Logger.Debug("websocket connection upgraded",
		slog.String("remote", r.RemoteAddr))

	s.sessions.ServeConn(ctx, NewConn(wsc))
}

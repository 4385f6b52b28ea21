// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides high-level coordinators wiring listeners, the
// handshake pipeline, and session hooks together.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hivegate/hivegate/pkg/breaker"
	"github.com/hivegate/hivegate/pkg/metrics"
	"github.com/hivegate/hivegate/pkg/ratelimit"
	"github.com/hivegate/hivegate/pkg/server/tcp"
	"github.com/hivegate/hivegate/pkg/server/ws"
	"github.com/hivegate/hivegate/pkg/session"
)

// Config holds settings shared by both fronts.
type Config struct {
	Host       string
	Port       string
	TargetHost string
	TargetPort string

	TLSConfig       *tls.Config
	MaxConnections  int
	DialTimeout     time.Duration
	ShutdownTimeout time.Duration

	Limiter *ratelimit.SourceLimiter
	Breaker *breaker.Breaker
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

func (c Config) sessionConfig() tcp.Config {
	return tcp.Config{
		Address:         net.JoinHostPort(c.Host, c.Port),
		TargetAddress:   net.JoinHostPort(c.TargetHost, c.TargetPort),
		TLSConfig:       c.TLSConfig,
		DialTimeout:     c.DialTimeout,
		MaxConnections:  c.MaxConnections,
		ShutdownTimeout: c.ShutdownTimeout,
		Limiter:         c.Limiter,
		Breaker:         c.Breaker,
		Metrics:         c.Metrics,
		Logger:          c.Logger,
	}
}

// MQTT is the plain TCP front.
type MQTT struct {
	server *tcp.Server
}

// NewMQTT creates the TCP front proxy.
func NewMQTT(cfg Config, hooks session.Hooks) *MQTT {
	return &MQTT{server: tcp.New(cfg.sessionConfig(), hooks)}
}

// Listen starts the proxy and blocks until the context is cancelled.
func (p *MQTT) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

// WebSocketConfig extends Config with the WebSocket upgrade surface.
type WebSocketConfig struct {
	Config

	// Path is the HTTP path accepting upgrades. Defaults to "/mqtt".
	Path string

	// CheckOrigin overrides the upgrade origin check.
	CheckOrigin func(r *http.Request) bool
}

// WebSocket is the MQTT-over-WebSocket front.
type WebSocket struct {
	server *ws.Server
}

// NewWebSocket creates the WebSocket front proxy.
func NewWebSocket(cfg WebSocketConfig, hooks session.Hooks) *WebSocket {
	wsCfg := ws.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		Path:            cfg.Path,
		TargetAddress:   net.JoinHostPort(cfg.TargetHost, cfg.TargetPort),
		TLSConfig:       cfg.TLSConfig,
		CheckOrigin:     cfg.CheckOrigin,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          cfg.Logger,
	}
	return &WebSocket{server: ws.New(wsCfg, cfg.sessionConfig(), hooks)}
}

// Listen starts the proxy and blocks until the context is cancelled.
func (p *WebSocket) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

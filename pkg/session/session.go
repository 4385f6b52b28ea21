// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session defines per-connection metadata and observability hooks.
//
// Hooks are pure notification points: they carry no authorization power and
// an error returned from a hook never affects the data path. The proxy
// forwards bytes whether or not anyone is watching.
package session

import (
	"context"
	"crypto/x509"
	"log/slog"

	"github.com/hivegate/hivegate/pkg/mqtt"
)

// Context carries connection metadata through a session's lifetime.
type Context struct {
	// SessionID is a unique identifier for this connection.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Transport indicates how the client reached us (tcp, ws).
	Transport string

	// Dialect is set once the CONNECT frame has been classified.
	Dialect mqtt.Dialect

	// Cert is the client's TLS certificate when the listener uses mTLS.
	Cert *x509.Certificate
}

// Hooks receives session lifecycle notifications.
type Hooks interface {
	// OnConnect is called after a CONNECT frame has been classified and
	// forwarded to the backend, with sctx.Dialect populated.
	OnConnect(ctx context.Context, sctx *Context)

	// OnUpgrade is called, before OnConnect, when a 3.1 handshake is
	// rewritten into its 3.1.1 form.
	OnUpgrade(ctx context.Context, sctx *Context)

	// OnDisconnect is called once when the session tears down, whether the
	// handshake succeeded or not. Bytes copied per direction are reported
	// for sessions that reached the relay stage; both are zero otherwise.
	OnDisconnect(ctx context.Context, sctx *Context, fromClient, fromBackend int64)
}

// NoopHooks is a Hooks implementation that ignores every event.
type NoopHooks struct{}

var _ Hooks = (*NoopHooks)(nil)

func (NoopHooks) OnConnect(context.Context, *Context)                  {}
func (NoopHooks) OnUpgrade(context.Context, *Context)                  {}
func (NoopHooks) OnDisconnect(context.Context, *Context, int64, int64) {}

// LogHooks logs every session event through a structured logger.
type LogHooks struct {
	logger *slog.Logger
}

var _ Hooks = (*LogHooks)(nil)

// NewLogHooks creates hooks that log session events.
func NewLogHooks(logger *slog.Logger) *LogHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHooks{logger: logger}
}

// OnConnect logs the classified dialect.
func (h *LogHooks) OnConnect(ctx context.Context, sctx *Context) {
	h.logger.Info("client connected",
		slog.String("session", sctx.SessionID),
		slog.String("remote", sctx.RemoteAddr),
		slog.String("transport", sctx.Transport),
		slog.String("dialect", sctx.Dialect.String()))
}

// OnUpgrade logs a 3.1 handshake rewrite.
func (h *LogHooks) OnUpgrade(ctx context.Context, sctx *Context) {
	h.logger.Info("upgrading MQTT 3.1 handshake to 3.1.1",
		slog.String("session", sctx.SessionID),
		slog.String("remote", sctx.RemoteAddr))
}

// OnDisconnect logs session teardown with per-direction byte counts.
func (h *LogHooks) OnDisconnect(ctx context.Context, sctx *Context, fromClient, fromBackend int64) {
	h.logger.Debug("session closed",
		slog.String("session", sctx.SessionID),
		slog.String("remote", sctx.RemoteAddr),
		slog.Int64("bytes_from_client", fromClient),
		slog.Int64("bytes_from_backend", fromBackend))
}

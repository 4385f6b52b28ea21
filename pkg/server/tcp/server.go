// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivegate/hivegate/pkg/breaker"
	proxyerr "github.com/hivegate/hivegate/pkg/errors"
	"github.com/hivegate/hivegate/pkg/metrics"
	"github.com/hivegate/hivegate/pkg/mqtt"
	"github.com/hivegate/hivegate/pkg/ratelimit"
	"github.com/hivegate/hivegate/pkg/session"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// relayBufferSize is the per-direction copy buffer size.
const relayBufferSize = 8192

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TargetAddress is the backend broker address (host:port). Every
	// accepted connection gets its own backend connection.
	TargetAddress string

	// TLSConfig is optional TLS configuration for the listener. The
	// backend leg is always plain TCP.
	TLSConfig *tls.Config

	// DialTimeout bounds each backend dial. Defaults to 10s.
	DialTimeout time.Duration

	// MaxConnections caps concurrent sessions when non-zero. The cap is a
	// bounded channel acting as a counting semaphore; at the cap, accepted
	// connections wait for a slot before their handshake is read.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration

	// Limiter, when set, throttles connection admission per source IP.
	Limiter *ratelimit.SourceLimiter

	// Breaker, when set, guards backend dials.
	Breaker *breaker.Breaker

	// Metrics, when set, instruments sessions and handshakes.
	Metrics *metrics.Metrics

	// Transport labels sessions in metrics and hooks. Defaults to "tcp";
	// the WebSocket front reuses this server's session logic under "ws".
	Transport string

	// Logger for server events.
	Logger *slog.Logger
}

// Server accepts client connections, normalizes their MQTT CONNECT
// handshake, and relays the rest of each session to the backend broker
// byte for byte.
type Server struct {
	config  Config
	hooks   session.Hooks
	bufPool sync.Pool
	wg      sync.WaitGroup
	connSem chan struct{}

	mu   sync.Mutex
	addr net.Addr
}

// New creates a TCP server with the given configuration and session hooks.
// A nil hooks defaults to session.NoopHooks.
func New(cfg Config, hooks session.Hooks) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if hooks == nil {
		hooks = session.NoopHooks{}
	}

	s := &Server{
		config: cfg,
		hooks:  hooks,
		bufPool: sync.Pool{
			New: func() any {
				buf := make([]byte, relayBufferSize)
				return &buf
			},
		},
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen starts the server and blocks until the context is cancelled.
// Bind failure is returned immediately; it indicates a misconfiguration
// that will not self-heal, so there is no retry.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.config.Logger.Info("proxy listening",
		slog.String("address", s.config.Address),
		slog.String("target", s.config.TargetAddress))

	// Separate context for in-flight sessions so shutdown can close them
	// after the drain timeout.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			if !s.admit(conn) {
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.ServeConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// Addr returns the bound listener address, or nil before Listen has bound.
// Useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// admit applies per-source throttling before any handshake byte is read.
// A throttled connection is simply closed, matching the behavior of a
// transport-level proxy.
func (s *Server) admit(conn net.Conn) bool {
	if s.config.Limiter == nil {
		return true
	}

	source := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}

	if !s.config.Limiter.Allow(source) {
		if s.config.Metrics != nil {
			s.config.Metrics.ThrottledConnections.Inc()
		}
		s.config.Logger.Warn("connection throttled", slog.String("source", source))
		conn.Close()
		return false
	}
	return true
}

// ServeConn drives one client connection end to end, reporting the outcome
// through logging, metrics, and hooks. Session-scoped errors never escalate.
// The WebSocket front feeds adapted connections through here as well.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if s.connSem != nil {
		s.connSem <- struct{}{}
		defer func() { <-s.connSem }()
	}

	handle := func() error {
		return s.Handle(ctx, conn)
	}

	var err error
	if s.config.Metrics != nil {
		err = s.config.Metrics.ObserveSession(s.config.Transport, handle)
	} else {
		err = handle()
	}

	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, proxyerr.ErrConnectionClosed) {
			// Peers hang up mid-handshake all the time.
			level = slog.LevelDebug
		}
		s.config.Logger.Log(ctx, level, "session failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("reason", proxyerr.Reason(err)),
			slog.String("error", err.Error()))
	}
}

// Handle processes a single accepted connection: it reads and classifies
// the CONNECT frame, rewrites it when the dialect requires upgrading,
// forwards it to a freshly dialed backend connection, and then relays both
// directions until either side closes. It takes ownership of conn.
func (s *Server) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	sctx := &session.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Transport:  s.config.Transport,
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			return proxyerr.New("tls_handshake", sctx.SessionID, sctx.RemoteAddr, err)
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			sctx.Cert = state.PeerCertificates[0]
		}
	}

	header, dialect, payload, err := s.readHandshake(conn)
	if err != nil {
		if s.config.Metrics != nil {
			s.config.Metrics.HandshakeFailures.WithLabelValues(proxyerr.Reason(err)).Inc()
		}
		return proxyerr.New("read_handshake", sctx.SessionID, sctx.RemoteAddr, err)
	}
	sctx.Dialect = dialect

	backend, err := s.dialBackend(ctx)
	if err != nil {
		if s.config.Metrics != nil {
			s.config.Metrics.BackendDialFailures.Inc()
		}
		return proxyerr.New("dial_backend", sctx.SessionID, sctx.RemoteAddr,
			fmt.Errorf("%w: %v", proxyerr.ErrBackendUnreachable, err))
	}
	defer backend.Close()

	if dialect == mqtt.V31 {
		s.hooks.OnUpgrade(ctx, sctx)
		if s.config.Metrics != nil {
			s.config.Metrics.UpgradedHandshakes.Inc()
		}
	}

	// The handshake frame is fully forwarded before any relay byte moves.
	frame := make([]byte, 0, 1+4+len(payload))
	frame = append(frame, header)
	frame = append(frame, mqtt.EncodeRemainingLength(len(payload))...)
	frame = append(frame, payload...)
	if _, err := backend.Write(frame); err != nil {
		return proxyerr.New("forward_handshake", sctx.SessionID, sctx.RemoteAddr,
			proxyerr.ErrConnectionClosed)
	}

	if s.config.Metrics != nil {
		s.config.Metrics.HandshakesByDialect.WithLabelValues(dialect.String()).Inc()
	}
	s.hooks.OnConnect(ctx, sctx)

	s.config.Logger.Debug("handshake forwarded",
		slog.String("session", sctx.SessionID),
		slog.String("remote", sctx.RemoteAddr),
		slog.String("dialect", dialect.String()))

	fromClient, fromBackend := s.relay(ctx, conn, backend)
	s.hooks.OnDisconnect(ctx, sctx, fromClient, fromBackend)

	s.config.Logger.Debug("session closed",
		slog.String("session", sctx.SessionID),
		slog.Int64("bytes_from_client", fromClient),
		slog.Int64("bytes_from_backend", fromBackend))

	return nil
}

// readHandshake reads the fixed header, remaining length, and payload of
// the first frame, then classifies it. Short reads are fatal: a declared
// length must be matched by that many payload bytes.
func (s *Server) readHandshake(conn net.Conn) (byte, mqtt.Dialect, []byte, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, 0, nil, proxyerr.ErrConnectionClosed
	}

	length, _, err := mqtt.DecodeRemainingLength(conn)
	if err != nil {
		return 0, 0, nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, 0, nil, proxyerr.ErrConnectionClosed
	}

	dialect, out, err := mqtt.Classify(hdr[0], payload)
	if err != nil {
		return 0, 0, nil, err
	}
	return hdr[0], dialect, out, nil
}

// dialBackend opens the per-session backend connection, through the
// circuit breaker when one is configured. No retry on failure: the caller
// surfaces the condition and an external supervisor owns retry policy.
func (s *Server) dialBackend(ctx context.Context) (net.Conn, error) {
	dial := func() (net.Conn, error) {
		d := net.Dialer{Timeout: s.config.DialTimeout}
		return d.DialContext(ctx, "tcp", s.config.TargetAddress)
	}

	if s.config.Breaker == nil {
		return dial()
	}

	var conn net.Conn
	err := s.config.Breaker.Call(func() error {
		var err error
		conn, err = dial()
		return err
	})
	return conn, err
}

// relay pumps bytes in both directions until either direction reaches
// end-of-stream or errors. The first direction to finish closes both
// connections; a half-closed stream is not held open waiting for the other
// direction. Read and write failures during relay are ordinary session
// termination, not errors.
func (s *Server) relay(ctx context.Context, client, backend net.Conn) (int64, int64) {
	var (
		once                    sync.Once
		wg                      sync.WaitGroup
		fromClient, fromBackend int64
	)
	closeBoth := func() {
		client.Close()
		backend.Close()
	}

	// Close both connections if shutdown forces teardown mid-relay.
	relayDone := make(chan struct{})
	defer close(relayDone)
	go func() {
		select {
		case <-ctx.Done():
			once.Do(closeBoth)
		case <-relayDone:
		}
	}()

	pump := func(dst, src net.Conn, copied *int64) {
		defer wg.Done()
		defer once.Do(closeBoth)

		bufp := s.bufPool.Get().(*[]byte)
		defer s.bufPool.Put(bufp)
		buf := *bufp

		for {
			n, err := src.Read(buf)
			if n > 0 {
				*copied += int64(n)
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	wg.Add(2)
	go pump(backend, client, &fromClient)
	go pump(client, backend, &fromBackend)
	wg.Wait()

	if s.config.Metrics != nil {
		s.config.Metrics.BytesRelayed.WithLabelValues("upstream").Add(float64(fromClient))
		s.config.Metrics.BytesRelayed.WithLabelValues("downstream").Add(float64(fromBackend))
	}
	return fromClient, fromBackend
}

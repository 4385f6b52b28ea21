// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	goerrors "errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hivegate/hivegate/pkg/errors"
	"github.com/hivegate/hivegate/pkg/mqtt"
	"github.com/hivegate/hivegate/pkg/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// connectFrame assembles a full CONNECT frame from a protocol name, level,
// and the remaining fields.
func connectFrame(name string, level byte, rest []byte) []byte {
	payload := []byte{byte(len(name) >> 8), byte(len(name))}
	payload = append(payload, name...)
	payload = append(payload, level)
	payload = append(payload, rest...)

	frame := []byte{0x10}
	frame = append(frame, mqtt.EncodeRemainingLength(len(payload))...)
	return append(frame, payload...)
}

// fakeBackend accepts connections and reads one CONNECT frame from each,
// sending the received payload on frames. Connections are kept open until
// the test closes the listener.
type fakeBackend struct {
	listener net.Listener
	frames   chan []byte
	conns    chan net.Conn
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to start fake backend: %v", err)
	}

	b := &fakeBackend{
		listener: listener,
		frames:   make(chan []byte, 16),
		conns:    make(chan net.Conn, 16),
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
			go func() {
				var hdr [1]byte
				if _, err := io.ReadFull(conn, hdr[:]); err != nil {
					return
				}
				length, _, err := mqtt.DecodeRemainingLength(conn)
				if err != nil {
					return
				}
				payload := make([]byte, length)
				if _, err := io.ReadFull(conn, payload); err != nil {
					return
				}
				frame := append(append([]byte{hdr[0]}, mqtt.EncodeRemainingLength(length)...), payload...)
				b.frames <- frame
			}()
		}
	}()

	return b
}

func (b *fakeBackend) addr() string {
	return b.listener.Addr().String()
}

func (b *fakeBackend) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-b.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend to receive a frame")
		return nil
	}
}

func (b *fakeBackend) waitConn(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backend connection")
		return nil
	}
}

// startServer runs a server through its real accept loop on a random port
// and returns its address.
func startServer(t *testing.T, backendAddr string, hooks session.Hooks) (*Server, string) {
	t.Helper()

	srv := New(Config{
		Address:         "localhost:0",
		TargetAddress:   backendAddr,
		ShutdownTimeout: time.Second,
		Logger:          testLogger(),
	}, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = srv.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("server never bound")
	}
	return srv, addr.String()
}

func TestProxy_UpgradesLegacyHandshake(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	rest := []byte{0x02, 0x00, 0x3C, 0x00, 0x02, 'c', '1'}
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(connectFrame("MQIsdp", 3, rest)); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}

	got := backend.waitFrame(t)
	want := connectFrame("MQTT", 4, rest)
	if !bytes.Equal(got, want) {
		t.Errorf("backend received %v, want upgraded frame %v", got, want)
	}
}

func TestProxy_PassthroughStandardAndExtended(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	for _, level := range []byte{4, 5} {
		frame := connectFrame("MQTT", level, []byte{0x02, 0x00, 0x3C, 0x00, 0x01, 'x'})

		client, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("failed to dial proxy: %v", err)
		}

		if _, err := client.Write(frame); err != nil {
			t.Fatalf("failed to send CONNECT: %v", err)
		}

		got := backend.waitFrame(t)
		if !bytes.Equal(got, frame) {
			t.Errorf("level %d frame modified in transit: got %v, want %v", level, got, frame)
		}
		client.Close()
	}
}

func TestProxy_RelaysBothDirections(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(connectFrame("MQTT", 4, []byte{0x02, 0x00, 0x3C})); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}
	backend.waitFrame(t)
	backendConn := backend.waitConn(t)
	defer backendConn.Close()

	// Downstream: a CONNACK from the backend reaches the client.
	connack := []byte{0x20, 0x02, 0x00, 0x00}
	if _, err := backendConn.Write(connack); err != nil {
		t.Fatalf("backend write failed: %v", err)
	}
	got := make([]byte, len(connack))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client did not receive CONNACK: %v", err)
	}
	if !bytes.Equal(got, connack) {
		t.Errorf("client received %v, want %v", got, connack)
	}

	// Upstream: a PINGREQ from the client reaches the backend untouched.
	pingreq := []byte{0xC0, 0x00}
	if _, err := client.Write(pingreq); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	got = make([]byte, len(pingreq))
	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(backendConn, got); err != nil {
		t.Fatalf("backend did not receive PINGREQ: %v", err)
	}
	if !bytes.Equal(got, pingreq) {
		t.Errorf("backend received %v, want %v", got, pingreq)
	}
}

func TestProxy_RelayEndsWhenBackendCloses(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(connectFrame("MQTT", 4, []byte{0x02, 0x00, 0x3C})); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}
	backend.waitFrame(t)
	backendConn := backend.waitConn(t)

	// Backend hangs up; the client must observe closure promptly even
	// though it never sent further bytes.
	backendConn.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected client connection to be closed after backend EOF")
	}
}

func TestProxy_RejectsUnknownDialect(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(connectFrame("FOO", 4, []byte{0x02})); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}

	// The connection is closed with nothing forwarded.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed")
	}
	select {
	case <-backend.conns:
		t.Error("backend was dialed for a rejected handshake")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProxy_RejectsNonConnectFirstFrame(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	// A PINGREQ as the first frame is a protocol violation.
	if _, err := client.Write([]byte{0xC0, 0x00}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestProxy_ConcurrentSessionsAreIsolated(t *testing.T) {
	backend := startFakeBackend(t)
	_, addr := startServer(t, backend.addr(), nil)

	// A malformed handshake on one connection...
	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer bad.Close()
	// Truncated: declares a 20-byte payload but sends 3.
	badFrame := append([]byte{0x10}, mqtt.EncodeRemainingLength(20)...)
	badFrame = append(badFrame, 0x00, 0x04, 'M')
	if _, err := bad.Write(badFrame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// ...must not affect a valid one racing it.
	good, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer good.Close()
	frame := connectFrame("MQTT", 4, []byte{0x02, 0x00, 0x3C})
	if _, err := good.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := backend.waitFrame(t)
	if !bytes.Equal(got, frame) {
		t.Errorf("valid session's frame corrupted: got %v, want %v", got, frame)
	}

	// The malformed connection dies once its peer gives up mid-frame.
	bad.Close()
}

func TestProxy_BackendUnreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	probe, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	deadAddr := probe.Addr().String()
	probe.Close()

	_, addr := startServer(t, deadAddr, nil)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(connectFrame("MQTT", 4, []byte{0x02, 0x00, 0x3C})); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}

	// The connection closes; the listener itself keeps accepting.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed")
	}

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("listener stopped accepting after a backend failure: %v", err)
	}
	second.Close()
}

func TestProxy_HooksObserveLifecycle(t *testing.T) {
	backend := startFakeBackend(t)
	hooks := &recordingHooks{
		connected:    make(chan mqtt.Dialect, 1),
		upgraded:     make(chan struct{}, 1),
		disconnected: make(chan struct{}, 1),
	}
	_, addr := startServer(t, backend.addr(), hooks)

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}

	if _, err := client.Write(connectFrame("MQIsdp", 3, []byte{0x02, 0x00, 0x3C})); err != nil {
		t.Fatalf("failed to send CONNECT: %v", err)
	}
	backend.waitFrame(t)

	select {
	case <-hooks.upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("OnUpgrade was not called for a 3.1 handshake")
	}
	select {
	case d := <-hooks.connected:
		if d != mqtt.V31 {
			t.Errorf("OnConnect dialect = %v, want V31", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was not called")
	}

	client.Close()
	select {
	case <-hooks.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called after teardown")
	}
}

type recordingHooks struct {
	connected    chan mqtt.Dialect
	upgraded     chan struct{}
	disconnected chan struct{}
}

func (h *recordingHooks) OnConnect(_ context.Context, sctx *session.Context) {
	h.connected <- sctx.Dialect
}

func (h *recordingHooks) OnUpgrade(_ context.Context, _ *session.Context) {
	h.upgraded <- struct{}{}
}

func (h *recordingHooks) OnDisconnect(_ context.Context, _ *session.Context, _, _ int64) {
	h.disconnected <- struct{}{}
}

func TestServer_BindFailure(t *testing.T) {
	srv := New(Config{
		Address:       "invalid:address:99999",
		TargetAddress: "localhost:0",
		Logger:        testLogger(),
	}, nil)

	if err := srv.Listen(context.Background()); err == nil {
		t.Error("expected bind error for invalid address")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := New(Config{
		Address:         "localhost:0",
		TargetAddress:   "localhost:0",
		ShutdownTimeout: time.Second,
		Logger:          testLogger(),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	for i := 0; i < 100; i++ {
		if srv.Addr() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !goerrors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Listen() returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("server did not shut down in time")
	}
}

func TestReadHandshake_MalformedLength(t *testing.T) {
	srv := New(Config{TargetAddress: "localhost:0", Logger: testLogger()}, nil)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		clientSide.Write([]byte{0x10, 0x80, 0x80, 0x80, 0x80, 0x01})
	}()

	_, _, _, err := srv.readHandshake(serverSide)
	if !goerrors.Is(err, errors.ErrMalformedLength) {
		t.Errorf("readHandshake() error = %v, want ErrMalformedLength", err)
	}
}

// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a websocket.Conn to the net.Conn interface so the stream-
// oriented handshake and relay logic can run over MQTT-over-WebSocket
// connections unchanged. Writes become binary messages; reads drain binary
// messages as a continuous byte stream.
type Conn struct {
	*websocket.Conn
	r   io.Reader
	rio sync.Mutex
	wio sync.Mutex
}

// NewConn wraps a websocket.Conn as a net.Conn.
func NewConn(wsc *websocket.Conn) net.Conn {
	return &Conn{Conn: wsc}
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads from the current message, advancing to the next message at
// each message boundary.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()
	for {
		if c.r == nil {
			var err error
			if _, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

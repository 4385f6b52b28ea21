// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the closed error taxonomy for hivegate.
//
// Every error is scoped to exactly one client connection; none of them ever
// escalates to the listener or to other in-flight connections. Callers and
// tests branch on error kind with errors.Is rather than string content.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedLength indicates a remaining-length field that exceeds
	// the four-byte maximum of the varint encoding.
	ErrMalformedLength = errors.New("malformed remaining length")

	// ErrUnexpectedFrame indicates the first frame of a connection was not
	// a CONNECT packet.
	ErrUnexpectedFrame = errors.New("expected CONNECT packet")

	// ErrTruncatedHandshake indicates a CONNECT payload too short to hold
	// its declared protocol name and level.
	ErrTruncatedHandshake = errors.New("truncated CONNECT payload")

	// ErrUnknownDialect indicates a protocol name/level combination that is
	// not one of the recognized MQTT dialects.
	ErrUnknownDialect = errors.New("unknown protocol dialect")

	// ErrConnectionClosed indicates the peer disconnected mid-read. This is
	// an ordinary occurrence, not logged at error level.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrBackendUnreachable indicates the outbound dial to the broker
	// failed. Fatal to this connection only; the listener keeps accepting.
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// ProxyError wraps one of the sentinel errors with connection context.
type ProxyError struct {
	Op         string // operation that failed (read_handshake, dial_backend, ...)
	SessionID  string // session identifier
	RemoteAddr string // client address
	Err        error  // underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. Returns nil when err is nil.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Reason returns a short stable label for err, suitable for metrics and
// log attributes. Unrecognized errors map to "other".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedLength):
		return "malformed_length"
	case errors.Is(err, ErrUnexpectedFrame):
		return "unexpected_frame"
	case errors.Is(err, ErrTruncatedHandshake):
		return "truncated_handshake"
	case errors.Is(err, ErrUnknownDialect):
		return "unknown_dialect"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrBackendUnreachable):
		return "backend_unreachable"
	default:
		return "other"
	}
}

// UnknownDialectError carries the observed protocol name and level for
// diagnostics. It matches ErrUnknownDialect under errors.Is.
type UnknownDialectError struct {
	Name  []byte
	Level byte
}

// Error implements the error interface.
func (e *UnknownDialectError) Error() string {
	return fmt.Sprintf("unknown protocol dialect: name %q, level %d", e.Name, e.Level)
}

// Is reports whether target is ErrUnknownDialect.
func (e *UnknownDialectError) Is(target error) bool {
	return target == ErrUnknownDialect
}

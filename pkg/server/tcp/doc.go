// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the client-facing TCP listener, the per-connection
// handshake normalization, and the steady-state byte relay.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │ hivegate │ ←─TCP─→ │ Broker  │
//	└─────────┘         └──────────┘         └─────────┘
//
// The server binds once and accepts in a loop; every accepted connection is
// handled on its own goroutine so one slow or hostile client cannot block
// others. Connections are fully independent: no state is shared between
// them, and every failure is scoped to exactly one session.
//
// # Session Lifecycle
//
// A connection moves through these states, with every state transitioning
// to Closed on error:
//
//	Accepted → ReadingHeader → ReadingLength → ReadingPayload →
//	Classifying → Rewriting? → ForwardingToBackend → Relaying → Closed
//
// Only MQTT 3.1 connections pass through Rewriting. Relaying is the only
// state with unbounded duration: two goroutines pump bytes with fixed 8 KiB
// buffers until either direction reaches end-of-stream or errors, and the
// first direction to finish tears the whole session down.
//
// # Shutdown
//
// Cancelling the context passed to Listen stops the accept loop, waits up
// to ShutdownTimeout for in-flight sessions to drain, then forcefully
// closes whatever remains and returns ErrShutdownTimeout.
package tcp

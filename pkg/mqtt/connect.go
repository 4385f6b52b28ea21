// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"

	"github.com/hivegate/hivegate/pkg/errors"
)

// Dialect identifies one of the three recognized MQTT protocol variants.
// It is decided once from the first CONNECT frame of a connection and never
// revisited.
type Dialect int

const (
	// V31 is MQTT 3.1, protocol name "MQIsdp", level 3. The only dialect
	// whose handshake is rewritten before forwarding.
	V31 Dialect = iota

	// V311 is MQTT 3.1.1, protocol name "MQTT", level 4.
	V311

	// V5 is MQTT 5.0, protocol name "MQTT", level 5.
	V5
)

// String returns the human-readable protocol version.
func (d Dialect) String() string {
	switch d {
	case V31:
		return "3.1"
	case V311:
		return "3.1.1"
	case V5:
		return "5.0"
	default:
		return "unknown"
	}
}

const (
	// connectType is the CONNECT packet type code, carried in the upper
	// nibble of the fixed header byte.
	connectType = 0x1

	levelV31  = 3
	levelV311 = 4
	levelV5   = 5
)

var (
	nameV31 = []byte("MQIsdp")
	nameV3x = []byte("MQTT")

	// upgradedPrefix replaces the 3.1 protocol name and level when a
	// handshake is rewritten: [0x00 0x04 'M' 'Q' 'T' 'T' 0x04].
	upgradedPrefix = []byte{0, 4, 'M', 'Q', 'T', 'T', levelV311}
)

// IsConnect reports whether the fixed header byte carries the CONNECT
// packet type in its upper nibble.
func IsConnect(header byte) bool {
	return header>>4 == connectType
}

// Classify inspects a CONNECT packet and returns its dialect together with
// the payload to forward to the backend.
//
// For MQTT 3.1 the returned payload is a fresh allocation with the protocol
// name and level rewritten to their 3.1.1 encoding and every byte after the
// level (connect flags, keep alive, client identifier, credentials) copied
// through verbatim. For 3.1.1 and 5.0 the input payload is returned
// unchanged.
//
// Fails with errors.ErrUnexpectedFrame when header is not a CONNECT,
// errors.ErrTruncatedHandshake when the payload cannot hold its declared
// protocol name and level, and errors.ErrUnknownDialect (carrying the
// observed name and level) for any unrecognized combination.
func Classify(header byte, payload []byte) (Dialect, []byte, error) {
	if !IsConnect(header) {
		return 0, nil, errors.ErrUnexpectedFrame
	}
	if len(payload) < 2 {
		return 0, nil, errors.ErrTruncatedHandshake
	}

	nameLen := int(payload[0])<<8 | int(payload[1])
	if len(payload) < 2+nameLen+1 {
		return 0, nil, errors.ErrTruncatedHandshake
	}

	name := payload[2 : 2+nameLen]
	level := payload[2+nameLen]

	switch {
	case bytes.Equal(name, nameV31) && level == levelV31:
		rest := payload[2+nameLen+1:]
		out := make([]byte, 0, len(upgradedPrefix)+len(rest))
		out = append(out, upgradedPrefix...)
		out = append(out, rest...)
		return V31, out, nil

	case bytes.Equal(name, nameV3x) && level == levelV311:
		return V311, payload, nil

	case bytes.Equal(name, nameV3x) && level == levelV5:
		return V5, payload, nil

	default:
		return 0, nil, &errors.UnknownDialectError{
			Name:  append([]byte(nil), name...),
			Level: level,
		}
	}
}

// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the small slice of the MQTT wire format that
// hivegate needs to normalize connection handshakes: the remaining-length
// varint codec used by the fixed header, and the CONNECT classifier that
// recognizes the three protocol dialects and rewrites MQTT 3.1 handshakes
// into their 3.1.1 equivalent.
//
// # Wire Format
//
// Every MQTT control packet starts with a fixed header:
//
//	[1 byte: packet type + flags][1-4 bytes: remaining length][payload]
//
// The remaining length is a base-128 varint: each byte contributes its low
// 7 bits, least significant group first, and the high bit signals that
// another byte follows. Four bytes encode values up to 268,435,455 (256 MiB
// minus one); a fifth continuation byte is a protocol violation.
//
// A CONNECT variable header begins with the protocol name as a 2-byte
// big-endian length-prefixed string, followed by the protocol level byte:
//
//	MQTT 3.1    [0x00 0x06 'M' 'Q' 'I' 's' 'd' 'p' 0x03]
//	MQTT 3.1.1  [0x00 0x04 'M' 'Q' 'T' 'T' 0x04]
//	MQTT 5.0    [0x00 0x04 'M' 'Q' 'T' 'T' 0x05]
//
// Everything after the level byte (connect flags, keep alive, client
// identifier, credentials) is defined identically across all three
// dialects, so upgrading a 3.1 handshake is a pure prefix substitution.
package mqtt

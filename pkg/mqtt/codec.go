// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"io"

	"github.com/hivegate/hivegate/pkg/errors"
)

const (
	// MaxRemainingLength is the largest value the remaining-length varint
	// can carry: 2^28 - 1, the four-byte maximum.
	MaxRemainingLength = 268435455

	maxLengthBytes = 4
)

// DecodeRemainingLength reads an MQTT remaining-length varint from r one
// byte at a time. It returns the decoded value and the number of bytes
// consumed. Reading a fifth continuation byte fails with
// errors.ErrMalformedLength; a reader that ends mid-field fails with
// errors.ErrConnectionClosed.
func DecodeRemainingLength(r io.Reader) (int, int, error) {
	var (
		value      int
		multiplier = 1
		buf        [1]byte
	)

	for i := 0; ; i++ {
		if i == maxLengthBytes {
			return 0, i, errors.ErrMalformedLength
		}
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, i, errors.ErrConnectionClosed
		}

		value += int(buf[0]&0x7F) * multiplier
		if buf[0]&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
}

// EncodeRemainingLength encodes v as an MQTT remaining-length varint,
// producing one to four bytes. Values outside [0, MaxRemainingLength] are
// the caller's bug; they are never produced by DecodeRemainingLength.
func EncodeRemainingLength(v int) []byte {
	out := make([]byte, 0, maxLengthBytes)
	for {
		b := byte(v % 128)
		v /= 128
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

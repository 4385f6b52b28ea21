// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	goerrors "errors"
	"testing"

	"github.com/hivegate/hivegate/pkg/errors"
)

func TestEncodeRemainingLength_Boundaries(t *testing.T) {
	cases := []struct {
		value int
		want  []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xFF, 0x7F}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{2097151, []byte{0xFF, 0xFF, 0x7F}},
		{2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{MaxRemainingLength, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, c := range cases {
		got := EncodeRemainingLength(c.value)
		if !bytes.Equal(got, c.want) {
			t.Errorf("EncodeRemainingLength(%d) = %v, want %v", c.value, got, c.want)
		}
	}
}

func TestDecodeRemainingLength_RoundTrip(t *testing.T) {
	values := []int{
		0, 1, 42, 127, 128, 129, 300, 16383, 16384, 65535,
		2097151, 2097152, 10000000, MaxRemainingLength,
	}

	for _, v := range values {
		encoded := EncodeRemainingLength(v)

		got, consumed, err := DecodeRemainingLength(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("DecodeRemainingLength(%d) error = %v", v, err)
		}
		if got != v {
			t.Errorf("round trip of %d = %d", v, got)
		}
		if consumed != len(encoded) {
			t.Errorf("consumed %d bytes decoding %d, want %d", consumed, v, len(encoded))
		}
	}
}

func TestDecodeRemainingLength_TrailingBytesUntouched(t *testing.T) {
	r := bytes.NewReader([]byte{0x80, 0x01, 0xAA, 0xBB})

	v, consumed, err := DecodeRemainingLength(r)
	if err != nil {
		t.Fatalf("DecodeRemainingLength() error = %v", err)
	}
	if v != 128 || consumed != 2 {
		t.Fatalf("got (%d, %d), want (128, 2)", v, consumed)
	}
	if r.Len() != 2 {
		t.Errorf("decoder consumed %d trailing bytes", 2-r.Len())
	}
}

func TestDecodeRemainingLength_Malformed(t *testing.T) {
	// A fifth continuation byte exceeds the encoding's maximum.
	malformed := []byte{0x80, 0x80, 0x80, 0x80, 0x01}

	_, _, err := DecodeRemainingLength(bytes.NewReader(malformed))
	if !goerrors.Is(err, errors.ErrMalformedLength) {
		t.Errorf("DecodeRemainingLength() error = %v, want ErrMalformedLength", err)
	}
}

func TestDecodeRemainingLength_ShortStream(t *testing.T) {
	// Continuation bit set but the stream ends.
	_, _, err := DecodeRemainingLength(bytes.NewReader([]byte{0x80}))
	if !goerrors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("DecodeRemainingLength() error = %v, want ErrConnectionClosed", err)
	}

	_, _, err = DecodeRemainingLength(bytes.NewReader(nil))
	if !goerrors.Is(err, errors.ErrConnectionClosed) {
		t.Errorf("DecodeRemainingLength() on empty stream error = %v, want ErrConnectionClosed", err)
	}
}

// File: protocol/frame_codec.go
// Package protocol adapts the messaging layer's byte fragments to the
// stream transport and buffers inbound stream bytes for it.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-header length resolution for MQTT control packets: one marker byte
// followed by a base-128 remaining-length varint of at most four bytes.

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-mqtt/api"
)

// MaxLengthBytes bounds the remaining-length varint.
const MaxLengthBytes = 4

// MaxRemainingLength is the largest length four varint bytes can encode.
const MaxRemainingLength = 128*128*128*128 - 1

const maxMultiplier = 128 * 128 * 128

// MarkerConnect is the first byte of a CONNECT packet.
const MarkerConnect = 0x10

// FrameLength resolves the total size of the frame starting at buf[0].
// ok is false while more length bytes are needed. Decoding is idempotent
// and never reads more than MaxLengthBytes length bytes.
func FrameLength(buf []byte) (total int, ok bool, err error) {
	if len(buf) < 2 {
		return 0, false, nil // incomplete
	}
	value, multiplier := 0, 1
	for i := 1; i < len(buf) && i <= MaxLengthBytes; i++ {
		b := buf[i]
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return 1 + i + value, true, nil
		}
		multiplier *= 128
		if multiplier > maxMultiplier {
			return 0, false, fmt.Errorf("length byte %d continues: %w", i, api.ErrMalformedLength)
		}
	}
	return 0, false, nil
}

// AppendLength appends the varint encoding of n to dst.
func AppendLength(dst []byte, n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return dst, fmt.Errorf("remaining length %d: %w", n, api.ErrInvalidArgument)
	}
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst, nil
		}
	}
}

// File: protocol/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-mqtt/api"
)

// DefaultRingCapacity is the inbound stream buffer size.
const DefaultRingCapacity = 4096

// ReceiveRing buffers inbound stream bytes until the messaging layer pulls
// them. Bytes are appended at the write offset and consumed from the read
// offset; both return to zero whenever the ring drains. Not safe for
// concurrent use.
type ReceiveRing struct {
	buf  []byte
	r, w int
}

// NewReceiveRing allocates a ring of the given capacity.
func NewReceiveRing(capacity int) (*ReceiveRing, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	return &ReceiveRing{buf: make([]byte, capacity)}, nil
}

// Write appends all of p or nothing. When p does not fit after compaction
// it is dropped and ErrRingOverflow is returned.
func (rr *ReceiveRing) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if rr.w+len(p) > len(rr.buf) && rr.r > 0 {
		rr.compact()
	}
	if rr.w+len(p) > len(rr.buf) {
		return 0, fmt.Errorf("%d bytes into %d free: %w", len(p), len(rr.buf)-rr.w, api.ErrRingOverflow)
	}
	copy(rr.buf[rr.w:], p)
	rr.w += len(p)
	return len(p), nil
}

// Read copies up to len(p) buffered bytes in FIFO order.
func (rr *ReceiveRing) Read(p []byte) int {
	n := copy(p, rr.buf[rr.r:rr.w])
	rr.r += n
	if rr.r == rr.w {
		rr.r, rr.w = 0, 0
	}
	return n
}

func (rr *ReceiveRing) compact() {
	n := copy(rr.buf, rr.buf[rr.r:rr.w])
	rr.r, rr.w = 0, n
}

// Len is the number of unread bytes.
func (rr *ReceiveRing) Len() int { return rr.w - rr.r }

// Cap is the fixed capacity.
func (rr *ReceiveRing) Cap() int { return len(rr.buf) }

// Offsets returns the read and write offsets.
func (rr *ReceiveRing) Offsets() (read, write int) { return rr.r, rr.w }

// Reset discards buffered bytes.
func (rr *ReceiveRing) Reset() { rr.r, rr.w = 0, 0 }

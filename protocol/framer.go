// File: protocol/framer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-mqtt/api"
)

// DefaultFrameCapacity is the outbound frame buffer size.
const DefaultFrameCapacity = 512

// FrameSink receives each complete outbound frame exactly once.
// highPriority marks connection-setup frames. frame is only valid for the
// duration of the call.
type FrameSink interface {
	WriteFrame(frame []byte, highPriority bool) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame []byte, highPriority bool) error

// WriteFrame calls f.
func (f FrameSinkFunc) WriteFrame(frame []byte, highPriority bool) error { return f(frame, highPriority) }

// Framer accumulates fragments until a whole control packet is buffered,
// then hands it to the sink as one write. Not safe for concurrent use; the
// facade serializes callers.
type Framer struct {
	buf      []byte
	expected int // 0 until the length is resolved
	sink     FrameSink
}

// NewFramer allocates a framer with a fixed capacity.
func NewFramer(capacity int, sink FrameSink) (*Framer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("frame capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	if sink == nil {
		return nil, fmt.Errorf("nil frame sink: %w", api.ErrInvalidArgument)
	}
	return &Framer{buf: make([]byte, 0, capacity), sink: sink}, nil
}

// Write buffers p and flushes every frame it completes. It returns len(p)
// on success. On error n counts the bytes of p that belong to frames
// already handed to the sink; the rest of p was not kept. Framing errors
// and fatal sink errors discard the partial frame. A retryable sink error
// on the first frame leaves the framer as it was before the call, so the
// caller repeats the write with p[n:].
func (f *Framer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(f.buf)+len(p) > cap(f.buf) {
		pending := len(f.buf)
		f.Reset()
		return 0, fmt.Errorf("%d buffered + %d new > %d: %w", pending, len(p), cap(f.buf), api.ErrFrameOverflow)
	}
	mark, markExpected := len(f.buf), f.expected
	f.buf = append(f.buf, p...)

	// bytes flushed by this call, including the ones buffered before it
	out := 0
	consumed := func() int {
		if out == 0 {
			return 0
		}
		return out - mark
	}
	for {
		if f.expected == 0 {
			total, ok, err := FrameLength(f.buf)
			if err != nil {
				f.Reset()
				return consumed(), err
			}
			if !ok {
				return len(p), nil
			}
			if total > cap(f.buf) {
				f.Reset()
				return consumed(), fmt.Errorf("frame of %d bytes: %w", total, api.ErrFrameTooLarge)
			}
			f.expected = total
		}
		if len(f.buf) < f.expected {
			return len(p), nil
		}
		size := f.expected
		if err := f.flush(); err != nil {
			if out == 0 && api.IsRetryable(err) {
				f.buf = f.buf[:mark]
				f.expected = markExpected
				return 0, err
			}
			// what is left starts at a frame boundary inside p
			f.Reset()
			return consumed(), err
		}
		out += size
		if len(f.buf) == 0 {
			return len(p), nil
		}
	}
}

// flush dispatches the completed frame and moves any trailing bytes to
// the front as the start of the next one.
func (f *Framer) flush() error {
	frame := f.buf[:f.expected]
	if err := f.sink.WriteFrame(frame, frame[0] == MarkerConnect); err != nil {
		return err
	}
	rest := copy(f.buf, f.buf[f.expected:])
	f.buf = f.buf[:rest]
	f.expected = 0
	return nil
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.expected = 0
}

// Pending is the number of buffered bytes of the current frame.
func (f *Framer) Pending() int { return len(f.buf) }

// Expected is the resolved total length of the current frame, or 0.
func (f *Framer) Expected() int { return f.expected }

// Capacity is the fixed buffer size.
func (f *Framer) Capacity() int { return cap(f.buf) }

// File: transport/quic/cursor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package quic

import (
	"fmt"

	"github.com/momentics/hioload-mqtt/api"
)

// streamCursor tracks application bytes queued on the outbound stream and
// how many of them the engine has taken.
type streamCursor struct {
	id       int64 // -1 until the stream is opened
	buf      []byte
	nwrite   int
	consumed uint64 // total bytes handed to the engine
}

func newStreamCursor(capacity int) streamCursor {
	return streamCursor{id: -1, buf: make([]byte, 0, capacity)}
}

// pending returns the unsent bytes, nil when there are none.
func (sc *streamCursor) pending() []byte {
	if sc.id < 0 || sc.nwrite >= len(sc.buf) {
		return nil
	}
	return sc.buf[sc.nwrite:]
}

func (sc *streamCursor) advance(n int) {
	if n <= 0 {
		return
	}
	if n > len(sc.buf)-sc.nwrite {
		n = len(sc.buf) - sc.nwrite
	}
	sc.nwrite += n
	sc.consumed += uint64(n)
	if sc.nwrite == len(sc.buf) {
		sc.buf = sc.buf[:0]
		sc.nwrite = 0
	}
}

// queue appends p whole or not at all.
func (sc *streamCursor) queue(p []byte) error {
	if len(sc.buf)+len(p) > cap(sc.buf) && sc.nwrite > 0 {
		n := copy(sc.buf, sc.buf[sc.nwrite:])
		sc.buf = sc.buf[:n]
		sc.nwrite = 0
	}
	if len(sc.buf)+len(p) > cap(sc.buf) {
		return fmt.Errorf("%d queued + %d: %w", len(sc.buf), len(p), api.ErrSendQueueFull)
	}
	sc.buf = append(sc.buf, p...)
	return nil
}

func (sc *streamCursor) unsent() int { return len(sc.buf) - sc.nwrite }

func (sc *streamCursor) reset() {
	sc.id = -1
	sc.buf = sc.buf[:0]
	sc.nwrite = 0
}

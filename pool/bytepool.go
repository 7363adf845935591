// File: pool/bytepool.go
// Package pool recycles fixed-capacity datagram buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync/atomic"

// BytePool hands out zero-length slices with a fixed capacity. Buffers
// beyond the idle limit are left to the garbage collector.
//
// Safe for concurrent use.
type BytePool struct {
	size  int
	idle  chan []byte
	fresh atomic.Int64
}

// NewBytePool keeps at most idle buffers of size bytes each.
func NewBytePool(size, idle int) *BytePool {
	if idle < 1 {
		idle = 1
	}
	return &BytePool{size: size, idle: make(chan []byte, idle)}
}

// Get returns an empty buffer with capacity Size.
func (p *BytePool) Get() []byte {
	select {
	case b := <-p.idle:
		return b[:0]
	default:
		p.fresh.Add(1)
		return make([]byte, 0, p.size)
	}
}

// Put returns a buffer obtained from Get. Foreign or grown buffers are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	select {
	case p.idle <- b[:0]:
	default:
	}
}

// Size is the capacity of every pooled buffer.
func (p *BytePool) Size() int { return p.size }

// Allocated counts buffers created because none was idle.
func (p *BytePool) Allocated() int64 { return p.fresh.Load() }

// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the socket, the transport
// engine and the loop hooks used by the connection driver.

package fake

import (
	"net/netip"
	"sync"

	"github.com/momentics/hioload-mqtt/api"
)

// PacketConn is a fake implementation of api.PacketConn for testing.
type PacketConn struct {
	mu        sync.Mutex
	fd        int
	local     netip.AddrPort
	remote    netip.AddrPort
	inbound   [][]byte
	sent      [][]byte
	closed    bool
	sendError error
	recvError error
}

var _ api.PacketConn = (*PacketConn)(nil)

// NewPacketConn creates a fake socket between two loopback addresses.
func NewPacketConn() *PacketConn {
	return &PacketConn{
		fd:     -1,
		local:  netip.MustParseAddrPort("127.0.0.1:40000"),
		remote: netip.MustParseAddrPort("127.0.0.1:14567"),
	}
}

// RawFD implements api.PacketConn.
func (c *PacketConn) RawFD() int { return c.fd }

// LocalAddr implements api.PacketConn.
func (c *PacketConn) LocalAddr() netip.AddrPort { return c.local }

// RemoteAddr implements api.PacketConn.
func (c *PacketConn) RemoteAddr() netip.AddrPort { return c.remote }

// Recv implements api.PacketConn.Recv.
func (c *PacketConn) Recv(p []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, netip.AddrPort{}, api.ErrTransport
	}
	if c.recvError != nil {
		return 0, netip.AddrPort{}, c.recvError
	}
	if len(c.inbound) == 0 {
		return 0, netip.AddrPort{}, api.ErrWouldBlock
	}
	d := c.inbound[0]
	c.inbound = c.inbound[1:]
	return copy(p, d), c.remote, nil
}

// Send implements api.PacketConn.Send.
func (c *PacketConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return api.ErrTransport
	}
	if c.sendError != nil {
		return c.sendError
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

// Close implements api.PacketConn.Close.
func (c *PacketConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// AddRecvData queues an inbound datagram.
func (c *PacketConn) AddRecvData(d []byte) {
	c.mu.Lock()
	c.inbound = append(c.inbound, append([]byte(nil), d...))
	c.mu.Unlock()
}

// SetSendError makes Send fail with err.
func (c *PacketConn) SetSendError(err error) {
	c.mu.Lock()
	c.sendError = err
	c.mu.Unlock()
}

// SetRecvError makes Recv fail with err.
func (c *PacketConn) SetRecvError(err error) {
	c.mu.Lock()
	c.recvError = err
	c.mu.Unlock()
}

// GetSentData returns every datagram sent so far.
func (c *PacketConn) GetSentData() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// IsClosed reports whether Close was called.
func (c *PacketConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

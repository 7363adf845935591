// File: transport/udp/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connected non-blocking UDP socket carrying the client's datagrams.

package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/momentics/hioload-mqtt/api"
)

// Socket is a connected datagram socket. It implements api.PacketConn.
type Socket struct {
	fd     int
	local  netip.AddrPort
	remote netip.AddrPort

	closeOnce sync.Once
	closeErr  error
}

var _ api.PacketConn = (*Socket)(nil)

// Resolve looks up host and returns the first address with port attached.
func Resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("udp: port %d: %w", port, api.ErrInvalidArgument)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("udp: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("udp: resolve %s: no addresses", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

// Dial resolves host and connects a non-blocking socket to it.
func Dial(ctx context.Context, host string, port int) (*Socket, error) {
	remote, err := Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return DialAddr(remote)
}

// RawFD returns the socket descriptor.
func (s *Socket) RawFD() int { return s.fd }

// LocalAddr is the bound address reported by the kernel after connect.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// RemoteAddr is the connected peer.
func (s *Socket) RemoteAddr() netip.AddrPort { return s.remote }

// Close releases the descriptor. Further calls return the first result.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = closeFD(s.fd)
		s.fd = -1
	})
	return s.closeErr
}

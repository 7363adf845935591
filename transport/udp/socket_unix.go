//go:build !windows

// File: transport/udp/socket_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mqtt/api"
)

// DialAddr creates a non-blocking socket connected to remote.
func DialAddr(remote netip.AddrPort) (*Socket, error) {
	family := unix.AF_INET
	if remote.Addr().Is6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("udp: socket create: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp: set nonblock: %w", err)
	}
	if err := unix.Connect(fd, toSockaddr(remote)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp: connect %s: %w", remote, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("udp: getsockname: %w", err)
	}
	return &Socket{fd: fd, local: fromSockaddr(sa), remote: remote}, nil
}

// Recv reads one datagram without blocking.
func (s *Socket) Recv(p []byte) (int, netip.AddrPort, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, p, unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			addr := fromSockaddr(from)
			if !addr.IsValid() {
				addr = s.remote
			}
			return n, addr, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, netip.AddrPort{}, api.ErrWouldBlock
		default:
			return 0, netip.AddrPort{}, fmt.Errorf("udp: recvfrom: %w: %w", api.ErrTransport, err)
		}
	}
}

// Send writes one datagram to the connected peer.
func (s *Socket) Send(p []byte) error {
	for {
		_, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return api.ErrWouldBlock
		default:
			return fmt.Errorf("udp: sendmsg: %w: %w", api.ErrTransport, err)
		}
	}
}

func closeFD(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

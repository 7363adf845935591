//go:build windows

// File: transport/udp/socket_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package udp

import (
	"net/netip"

	"github.com/momentics/hioload-mqtt/api"
)

// DialAddr is not available on Windows.
func DialAddr(netip.AddrPort) (*Socket, error) { return nil, api.ErrNotSupported }

func (s *Socket) Recv([]byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, api.ErrNotSupported
}

func (s *Socket) Send([]byte) error { return api.ErrNotSupported }

func closeFD(int) error { return nil }

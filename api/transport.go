// Package api
// Author: momentics <momentics@gmail.com>
//
// Datagram socket contract and endpoint description.

package api

import (
	"fmt"
	"net/netip"
)

// PacketConn is a connected, non-blocking datagram socket.
type PacketConn interface {
	// RawFD exposes the descriptor for readiness registration.
	RawFD() int
	// Recv reads one datagram. ErrWouldBlock when the queue is empty.
	Recv(p []byte) (int, netip.AddrPort, error)
	// Send writes one datagram to the connected peer.
	Send(p []byte) error
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// Endpoint names the server.
type Endpoint struct {
	Host string
	Port int
	ALPN string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Validate checks host, port and ALPN length.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint host: %w", ErrInvalidArgument)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint port %d: %w", e.Port, ErrInvalidArgument)
	}
	if len(e.ALPN) > MaxALPNLength {
		return fmt.Errorf("alpn %q longer than %d bytes: %w", e.ALPN, MaxALPNLength, ErrInvalidArgument)
	}
	return nil
}

// MaxALPNLength bounds the protocol identifier.
const MaxALPNLength = 14

// DefaultALPN is the identifier offered when none is configured.
const DefaultALPN = "mqtt"

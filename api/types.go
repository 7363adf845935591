// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// ConnState enumerates the lifecycle of the client connection.
type ConnState int32

const (
	StateHandshaking ConnState = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further I/O is accepted in s.
func (s ConnState) Terminal() bool {
	return s == StateClosing || s == StateClosed
}

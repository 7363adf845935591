//go:build windows

// File: reactor/reactor_windows.go
// Author: momentics <momentics@gmail.com>

package reactor

import "github.com/momentics/hioload-mqtt/api"

// The client targets unix network stacks; datagram readiness on Windows
// would need an IOCP backend.
func newPoller(int) (poller, error) {
	return nil, api.ErrNotSupported
}

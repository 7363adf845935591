// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/protocol"
	"github.com/momentics/hioload-mqtt/reactor"
	"github.com/momentics/hioload-mqtt/transport/quic"
)

// Config holds parameters immutable per connection.
type Config struct {
	ConnectTimeout    time.Duration // Bound on address resolution and socket connect
	NonBlocking       bool          // Send/Receive return retryable errors instead of waiting
	MaxFrameSize      int           // Outbound frame buffer capacity
	RecvRingSize      int           // Inbound stream ring capacity
	SendQueueSize     int           // Unsent stream bytes held for the engine
	WriteLockTimeout  time.Duration // Guard wait for Send
	ReadLockTimeout   time.Duration // Guard wait for Receive
	DriveLockTimeout  time.Duration // Guard wait for Drive and reactor events
	ShutdownTimeout   time.Duration // Guard wait during Teardown
	MinRearm          time.Duration // Lower bound for the connection timer
	IdleRearm         time.Duration // Timer interval when the engine has no deadline
	MaxDatagramSize   int           // Outbound packet buffer
	RecvDatagramSize  int           // Inbound datagram buffer
	CloseDatagramSize int           // Connection-close packet buffer
	MaxWatchers       int           // Reactor I/O watcher table size
	PollInterval      time.Duration // Reactor wait bound and blocking-mode retry interval
	ServerName        string        // TLS server name, defaults to the endpoint host
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout:    5 * time.Second,
		NonBlocking:       true,
		MaxFrameSize:      protocol.DefaultFrameCapacity, // 512 bytes
		RecvRingSize:      protocol.DefaultRingCapacity,  // 4 KiB
		SendQueueSize:     2 * protocol.DefaultFrameCapacity,
		WriteLockTimeout:  1000 * time.Millisecond,
		ReadLockTimeout:   100 * time.Millisecond,
		DriveLockTimeout:  50 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
		MinRearm:          time.Millisecond,
		IdleRearm:         time.Second,
		MaxDatagramSize:   1452,
		RecvDatagramSize:  16384,
		CloseDatagramSize: 1280,
		MaxWatchers:       16,
		PollInterval:      50 * time.Millisecond,
	}
}

// Validate checks sizes and timeouts.
func (c *Config) Validate() error {
	switch {
	case c.MaxFrameSize < 2:
		return fmt.Errorf("max frame size %d: %w", c.MaxFrameSize, api.ErrInvalidArgument)
	case c.RecvRingSize <= 0:
		return fmt.Errorf("receive ring size %d: %w", c.RecvRingSize, api.ErrInvalidArgument)
	case c.SendQueueSize < c.MaxFrameSize:
		return fmt.Errorf("send queue %d smaller than a frame: %w", c.SendQueueSize, api.ErrInvalidArgument)
	case c.WriteLockTimeout <= 0 || c.ReadLockTimeout <= 0 || c.DriveLockTimeout <= 0:
		return fmt.Errorf("lock timeouts must be positive: %w", api.ErrInvalidArgument)
	case c.MinRearm <= 0:
		return fmt.Errorf("min rearm %v: %w", c.MinRearm, api.ErrInvalidArgument)
	case c.MaxWatchers < 2:
		return fmt.Errorf("max watchers %d: %w", c.MaxWatchers, api.ErrInvalidArgument)
	case c.MaxDatagramSize < 1200:
		return fmt.Errorf("max datagram size %d below 1200: %w", c.MaxDatagramSize, api.ErrInvalidArgument)
	}
	return nil
}

func (c *Config) reactorConfig() reactor.Config {
	rc := reactor.DefaultConfig()
	rc.MaxWatchers = c.MaxWatchers
	rc.PollInterval = c.PollInterval
	return rc
}

func (c *Config) driverConfig(ep api.Endpoint) quic.Config {
	qc := quic.DefaultConfig()
	qc.MaxDatagramSize = c.MaxDatagramSize
	qc.RecvDatagramSize = c.RecvDatagramSize
	qc.CloseDatagramSize = c.CloseDatagramSize
	qc.SendQueueSize = c.SendQueueSize
	qc.MinRearm = c.MinRearm
	qc.IdleRearm = c.IdleRearm
	qc.ServerName = c.ServerName
	if qc.ServerName == "" {
		qc.ServerName = ep.Host
	}
	if ep.ALPN != "" {
		qc.ALPN = ep.ALPN
	}
	return qc
}

// File: transport/quic/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package quic

import (
	"context"
	"log/slog"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/control"
)

// Config sizes the driver buffers and the timer policy.
type Config struct {
	MaxDatagramSize   int           // outbound packet buffer
	RecvDatagramSize  int           // inbound datagram buffer
	CloseDatagramSize int           // connection-close packet buffer
	SendQueueSize     int           // unsent stream bytes held by the cursor
	MinRearm          time.Duration // lower bound for timer re-arm
	IdleRearm         time.Duration // re-arm interval when the engine has no deadline
	MaxWriteMore      int           // write-more retries per flush pass
	ServerName        string
	ALPN              string
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize:   1452,
		RecvDatagramSize:  16384,
		CloseDatagramSize: 1280,
		SendQueueSize:     1024,
		MinRearm:          time.Millisecond,
		IdleRearm:         time.Second,
		MaxWriteMore:      64,
		ALPN:              api.DefaultALPN,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxDatagramSize <= 0 {
		c.MaxDatagramSize = def.MaxDatagramSize
	}
	if c.RecvDatagramSize <= 0 {
		c.RecvDatagramSize = def.RecvDatagramSize
	}
	if c.CloseDatagramSize <= 0 {
		c.CloseDatagramSize = def.CloseDatagramSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MinRearm <= 0 {
		c.MinRearm = def.MinRearm
	}
	if c.IdleRearm <= 0 {
		c.IdleRearm = def.IdleRearm
	}
	if c.MaxWriteMore <= 0 {
		c.MaxWriteMore = def.MaxWriteMore
	}
	if c.ALPN == "" {
		c.ALPN = def.ALPN
	}
	return c
}

// StreamSink takes inbound stream bytes. protocol.ReceiveRing satisfies it.
type StreamSink interface {
	Write(p []byte) (int, error)
}

// Rearmer re-arms the connection timer. reactor.TimerWatcher satisfies it.
type Rearmer interface {
	Again(d time.Duration)
}

// Observer sees engine events after the driver handled them. It runs with
// the guarded context of the call that triggered the event.
type Observer interface {
	Observe(ctx context.Context, ev api.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev api.Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev api.Event) { f(ctx, ev) }

// Options carries the optional collaborators.
type Options struct {
	Logger   *slog.Logger
	Metrics  *control.MetricsRegistry
	Observer Observer
}

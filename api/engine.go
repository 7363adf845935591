// File: api/engine.go
// Author: momentics <momentics@gmail.com>
//
// Contract between the connection driver and the external transport
// engine. The engine owns packet encoding, crypto and loss recovery; the
// driver only moves datagrams and stream bytes across this boundary.

package api

import (
	"net/netip"
	"time"
)

// WriteFlag modifies Engine.WriteStream.
type WriteFlag uint8

const (
	// WriteFlagMore asks the engine to coalesce further stream data into the
	// packet under construction. The engine answers ErrWriteMore when it did.
	WriteFlagMore WriteFlag = 1 << iota
	// WriteFlagFin ends the stream with this write.
	WriteFlagFin
)

// NoStreamData is the consumed count reported when a packet carries no
// stream bytes.
const NoStreamData = -1

// Path is the 4-tuple a datagram travelled on.
type Path struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Engine is the transport engine callback table seen from the driver.
type Engine interface {
	// Ingest processes one received datagram.
	Ingest(path Path, pkt []byte, now time.Time) error

	// WriteStream builds at most one packet into dst. n is the packet size
	// (0 when nothing is ready). consumed is the number of data bytes taken
	// from data, or NoStreamData. ErrWriteMore means consumed bytes were
	// buffered and the call should be repeated before sending.
	WriteStream(dst []byte, streamID int64, data []byte, flags WriteFlag, now time.Time) (n, consumed int, err error)

	// WriteConnectionClose builds the connection-close packet for reason.
	WriteConnectionClose(dst []byte, reason CloseError, now time.Time) (int, error)

	// HandleExpiry runs loss detection and idle checks for an expired deadline.
	HandleExpiry(now time.Time) error

	// Expiry is the next deadline. The zero time means none is pending.
	Expiry() time.Time

	OpenBidiStream() (int64, error)
	ExtendMaxStreamOffset(streamID int64, n int) error

	InClosingPeriod() bool
	InDrainingPeriod() bool
}

// EventKind tags an Event.
type EventKind uint8

const (
	EventHandshakeCompleted EventKind = iota + 1
	EventStreamsAvailable
	EventStreamData
	EventStreamClosed
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeCompleted:
		return "handshake-completed"
	case EventStreamsAvailable:
		return "streams-available"
	case EventStreamData:
		return "stream-data"
	case EventStreamClosed:
		return "stream-closed"
	default:
		return "unknown"
	}
}

// Event is a notification raised by the engine while the driver is inside
// one of its calls. Data is only valid for the duration of the delivery.
type Event struct {
	Kind       EventKind
	StreamID   int64
	Data       []byte
	MaxStreams uint64
}

// EventSink receives engine notifications. Returning an error makes the
// engine call that raised the event fail.
type EventSink interface {
	HandleEngineEvent(ev Event) error
}

// EngineConfig is passed to an EngineFactory when a connection is created.
type EngineConfig struct {
	Path       Path
	ServerName string
	ALPN       string
	MaxPacket  int
	Now        time.Time
}

// EngineFactory creates the engine for one client connection.
type EngineFactory func(cfg EngineConfig, sink EventSink) (Engine, error)

// Stopper stops a running loop.
type Stopper interface {
	Stop()
}

// File: engine/plain/engine.go
// Package plain is a cleartext datagram engine implementing api.Engine.
// It has no encryption, loss recovery or congestion control; it exists so
// the transport core can be exercised end to end on loopback and in the
// demo binary without a TLS stack.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package plain

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/logging"
)

// Options tunes the engine.
type Options struct {
	HelloInterval    time.Duration // Hello retransmission interval
	MaxHelloAttempts int           // Hellos sent before the handshake fails
	IdleTimeout      time.Duration // Silence after which the connection closes, 0 disables
	Logger           *slog.Logger
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		HelloInterval:    200 * time.Millisecond,
		MaxHelloAttempts: 10,
		IdleTimeout:      30 * time.Second,
	}
}

// Engine is the client side of the plain protocol.
type Engine struct {
	opts Options
	cfg  api.EngineConfig
	sink api.EventSink
	log  *slog.Logger

	established bool
	closing     bool
	draining    bool

	helloDue   bool
	helloSent  int
	helloAt    time.Time
	lastRecv   time.Time
	maxStreams uint64
	opened     uint64
	credit     map[int64]int

	building []byte // stream payload of the packet under construction
	buildID  int64
}

var _ api.Engine = (*Engine)(nil)

// NewFactory returns an api.EngineFactory creating plain engines.
func NewFactory(opts Options) api.EngineFactory {
	def := DefaultOptions()
	if opts.HelloInterval <= 0 {
		opts.HelloInterval = def.HelloInterval
	}
	if opts.MaxHelloAttempts <= 0 {
		opts.MaxHelloAttempts = def.MaxHelloAttempts
	}
	return func(cfg api.EngineConfig, sink api.EventSink) (api.Engine, error) {
		if sink == nil {
			return nil, fmt.Errorf("plain: nil event sink: %w", api.ErrInvalidArgument)
		}
		if cfg.MaxPacket < 64 {
			return nil, fmt.Errorf("plain: max packet %d: %w", cfg.MaxPacket, api.ErrInvalidArgument)
		}
		if len(cfg.ALPN) > api.MaxALPNLength {
			return nil, fmt.Errorf("plain: alpn %q: %w", cfg.ALPN, api.ErrInvalidArgument)
		}
		return &Engine{
			opts:     opts,
			cfg:      cfg,
			sink:     sink,
			log:      logging.Component(opts.Logger, "plain"),
			helloDue: true,
			lastRecv: cfg.Now,
			credit:   make(map[int64]int),
			buildID:  -1,
		}, nil
	}
}

// Ingest implements api.Engine.
func (e *Engine) Ingest(_ api.Path, pkt []byte, now time.Time) error {
	if e.draining {
		return nil
	}
	e.lastRecv = now
	return parseRecords(pkt, func(r record) error {
		switch r.kind {
		case recAccept:
			if e.established {
				return nil
			}
			e.established = true
			e.maxStreams = r.num
			e.log.Debug("accepted", "max_streams", r.num, "hellos", e.helloSent)
			if err := e.sink.HandleEngineEvent(api.Event{Kind: api.EventHandshakeCompleted}); err != nil {
				return err
			}
			return e.sink.HandleEngineEvent(api.Event{Kind: api.EventStreamsAvailable, MaxStreams: r.num})
		case recStream:
			if !e.established {
				return &api.EngineError{Code: api.CodeProtocolViolation, Reason: "stream data before accept"}
			}
			return e.sink.HandleEngineEvent(api.Event{Kind: api.EventStreamData, StreamID: r.id, Data: r.data})
		case recFin:
			return e.sink.HandleEngineEvent(api.Event{Kind: api.EventStreamClosed, StreamID: r.id})
		case recClose:
			e.draining = true
			return &api.EngineError{Code: api.ErrorCode(r.num), Reason: "closed by peer"}
		default:
			return &api.EngineError{Code: api.CodeProtocolViolation, Reason: fmt.Sprintf("unexpected record %q", r.kind)}
		}
	})
}

// WriteStream implements api.Engine. Stream bytes are coalesced: while the
// packet has room and the caller signals more data, ErrWriteMore asks for
// another call before anything is sent.
func (e *Engine) WriteStream(dst []byte, id int64, data []byte, flags api.WriteFlag, now time.Time) (int, int, error) {
	if e.closing || e.draining {
		return 0, api.NoStreamData, nil
	}
	limit := min(len(dst), e.cfg.MaxPacket)

	if e.helloDue {
		e.helloDue = false
		e.helloSent++
		e.helloAt = now
		pkt := appendHello(dst[:0], e.cfg.ALPN)
		return len(pkt), api.NoStreamData, nil
	}
	if !e.established {
		return 0, api.NoStreamData, nil
	}

	consumed := api.NoStreamData
	if id >= 0 && len(data) > 0 {
		if e.buildID >= 0 && e.buildID != id && len(e.building) > 0 {
			// one stream per packet; finish the other one first
			return e.finish(dst), api.NoStreamData, nil
		}
		e.buildID = id
		room := min(limit-streamHeaderLen, maxStreamChunk) - len(e.building)
		take := min(len(data), max(room, 0))
		e.building = append(e.building, data[:take]...)
		consumed = take
		if flags&api.WriteFlagMore != 0 && take == len(data) && room > take {
			return 0, consumed, api.ErrWriteMore
		}
	}
	if len(e.building) == 0 {
		return 0, consumed, nil
	}
	return e.finish(dst), consumed, nil
}

func (e *Engine) finish(dst []byte) int {
	pkt := appendStream(dst[:0], e.buildID, e.building)
	e.building = e.building[:0]
	return len(pkt)
}

// WriteConnectionClose implements api.Engine.
func (e *Engine) WriteConnectionClose(dst []byte, reason api.CloseError, _ time.Time) (int, error) {
	if len(dst) < 9 {
		return 0, fmt.Errorf("plain: close buffer %d bytes: %w", len(dst), api.ErrInvalidArgument)
	}
	e.closing = true
	code := reason.Code
	if reason.Application {
		code = api.CodeApplication
	}
	return len(appendClose(dst[:0], code)), nil
}

// HandleExpiry implements api.Engine: hello retransmission before the
// handshake, idle timeout after it.
func (e *Engine) HandleExpiry(now time.Time) error {
	if e.closing || e.draining {
		return nil
	}
	if !e.established {
		if now.Sub(e.helloAt) < e.opts.HelloInterval {
			return nil
		}
		if e.helloSent >= e.opts.MaxHelloAttempts {
			e.draining = true
			return &api.EngineError{Code: api.CodeIdleTimeout, Reason: fmt.Sprintf("no accept after %d hellos", e.helloSent)}
		}
		e.helloDue = true
		return nil
	}
	if e.opts.IdleTimeout > 0 && now.Sub(e.lastRecv) >= e.opts.IdleTimeout {
		// silent close: nothing is sent after an idle timeout
		e.draining = true
		return &api.EngineError{Code: api.CodeIdleTimeout, Reason: "idle timeout"}
	}
	return nil
}

// Expiry implements api.Engine.
func (e *Engine) Expiry() time.Time {
	switch {
	case e.closing || e.draining:
		return time.Time{}
	case !e.established:
		if e.helloSent == 0 || e.helloDue {
			return time.Time{}
		}
		return e.helloAt.Add(e.opts.HelloInterval)
	case e.opts.IdleTimeout > 0:
		return e.lastRecv.Add(e.opts.IdleTimeout)
	}
	return time.Time{}
}

// OpenBidiStream implements api.Engine. Client bidirectional stream ids
// are 0, 4, 8 and so on.
func (e *Engine) OpenBidiStream() (int64, error) {
	if !e.established || e.opened >= e.maxStreams {
		return -1, api.ErrStreamLimit
	}
	id := int64(e.opened * 4)
	e.opened++
	return id, nil
}

// ExtendMaxStreamOffset implements api.Engine. The plain protocol has no
// flow control; returned credit is only accounted.
func (e *Engine) ExtendMaxStreamOffset(id int64, n int) error {
	e.credit[id] += n
	return nil
}

// InClosingPeriod implements api.Engine.
func (e *Engine) InClosingPeriod() bool { return e.closing }

// InDrainingPeriod implements api.Engine.
func (e *Engine) InDrainingPeriod() bool { return e.draining }

// Credit returns the stream bytes acknowledged on id.
func (e *Engine) Credit(id int64) int { return e.credit[id] }

// File: transport/quic/connection.go
// Package quic drives one client connection of an external QUIC engine over
// a datagram socket: it feeds received datagrams to the engine, drains the
// engine's outbound packets, keeps the engine timer armed and runs the
// close protocol.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Connection is not safe for concurrent use. The facade serializes every
// call through its guard; the engine raises events synchronously from
// inside those calls.

package quic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/control"
	"github.com/momentics/hioload-mqtt/logging"
)

// Connection is the driver state for one engine connection.
type Connection struct {
	cfg      Config
	engine   api.Engine
	sock     api.PacketConn
	sink     StreamSink
	log      *slog.Logger
	metrics  *control.MetricsRegistry
	observer Observer

	timer   Rearmer
	stopper api.Stopper

	state   atomic.Int32
	streams atomic.Uint64
	lastErr *api.CloseError
	closed  bool

	cursor   streamCursor
	rxbuf    []byte
	txbuf    []byte
	closeBuf []byte

	callCtx   context.Context
	lastRearm time.Duration
}

var _ api.EventSink = (*Connection)(nil)

// NewConnection creates the engine through factory and wires it to sock.
// Inbound stream bytes go to sink.
func NewConnection(cfg Config, sock api.PacketConn, factory api.EngineFactory, sink StreamSink, opts Options) (*Connection, error) {
	if sock == nil || factory == nil || sink == nil {
		return nil, fmt.Errorf("quic: new connection: %w", api.ErrInvalidArgument)
	}
	cfg = cfg.normalized()
	c := &Connection{
		cfg:      cfg,
		sock:     sock,
		sink:     sink,
		log:      logging.Component(opts.Logger, "quic"),
		metrics:  opts.Metrics,
		observer: opts.Observer,
		cursor:   newStreamCursor(cfg.SendQueueSize),
		rxbuf:    make([]byte, cfg.RecvDatagramSize),
		txbuf:    make([]byte, cfg.MaxDatagramSize),
		closeBuf: make([]byte, cfg.CloseDatagramSize),
		callCtx:  context.Background(),
	}
	if c.metrics == nil {
		c.metrics = control.NewMetricsRegistry()
	}
	c.state.Store(int32(api.StateHandshaking))

	engine, err := factory(api.EngineConfig{
		Path:       api.Path{Local: sock.LocalAddr(), Remote: sock.RemoteAddr()},
		ServerName: cfg.ServerName,
		ALPN:       cfg.ALPN,
		MaxPacket:  cfg.MaxDatagramSize,
		Now:        time.Now(),
	}, c)
	if err != nil {
		return nil, fmt.Errorf("quic: create engine: %w", err)
	}
	c.engine = engine
	c.log.Debug("connection created", "local", sock.LocalAddr(), "remote", sock.RemoteAddr())
	return c, nil
}

// Bind attaches the timer that drives expiry and the loop stopped on close.
func (c *Connection) Bind(timer Rearmer, stopper api.Stopper) {
	c.timer = timer
	c.stopper = stopper
}

// State returns the lifecycle state. Safe from any goroutine.
func (c *Connection) State() api.ConnState { return api.ConnState(c.state.Load()) }

// IsEstablished reports a completed handshake. Safe from any goroutine.
func (c *Connection) IsEstablished() bool { return c.State() == api.StateEstablished }

// StreamsAvailable is the bidirectional stream credit granted by the peer.
// Safe from any goroutine.
func (c *Connection) StreamsAvailable() uint64 { return c.streams.Load() }

// LastError is the first fatal error recorded, nil if none.
func (c *Connection) LastError() *api.CloseError { return c.lastErr }

// Consumed is the total number of stream bytes the engine accepted.
func (c *Connection) Consumed() uint64 { return c.cursor.consumed }

// Unsent is the number of queued stream bytes not yet taken by the engine.
func (c *Connection) Unsent() int { return c.cursor.unsent() }

// LastRearm is the most recent timer interval.
func (c *Connection) LastRearm() time.Duration { return c.lastRearm }

func (c *Connection) setState(s api.ConnState) {
	old := api.ConnState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state change", "from", old.String(), "to", s.String())
		c.metrics.Set("state", s.String())
	}
}

func (c *Connection) enter(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.callCtx = ctx
}

func (c *Connection) leave() { c.callCtx = context.Background() }

// Drive runs one cycle: ingest, then flush, then timer management.
func (c *Connection) Drive(ctx context.Context, now time.Time) error {
	if c.State().Terminal() {
		return api.ErrClosed
	}
	c.enter(ctx)
	defer c.leave()

	if err := c.ingest(now); err != nil {
		return c.fail(err, now)
	}
	if err := c.flush(now); err != nil {
		return c.fail(err, now)
	}
	if err := c.manageTimer(now); err != nil {
		return c.fail(err, now)
	}
	return nil
}

// OnTimer handles a fired connection timer: the engine deadline is
// processed when due, then pending packets are flushed and the timer is
// re-armed. The first firing sends the handshake.
func (c *Connection) OnTimer(ctx context.Context, now time.Time) error {
	if c.State().Terminal() {
		return api.ErrClosed
	}
	c.enter(ctx)
	defer c.leave()

	if exp := c.engine.Expiry(); !exp.IsZero() && !exp.After(now) {
		c.metrics.Add(control.MetricExpiryEvents, 1)
		if err := c.engine.HandleExpiry(now); err != nil {
			return c.fail(fmt.Errorf("handle expiry: %w", err), now)
		}
	}
	if err := c.flush(now); err != nil {
		return c.fail(err, now)
	}
	if err := c.manageTimer(now); err != nil {
		return c.fail(err, now)
	}
	return nil
}

// WriteFrame queues one complete application frame on the bidirectional
// stream, opening it on first use, and flushes. Retryable errors leave the
// cursor untouched.
func (c *Connection) WriteFrame(ctx context.Context, frame []byte, now time.Time) error {
	switch {
	case c.State().Terminal():
		return api.ErrClosed
	case !c.IsEstablished():
		return api.ErrNotEstablished
	}
	c.enter(ctx)
	defer c.leave()

	if c.cursor.id < 0 {
		if c.streams.Load() == 0 {
			return fmt.Errorf("%w: %w", api.ErrNotEstablished, api.ErrStreamLimit)
		}
		id, err := c.engine.OpenBidiStream()
		if errors.Is(err, api.ErrStreamLimit) {
			return fmt.Errorf("%w: %w", api.ErrNotEstablished, err)
		}
		if err != nil {
			return c.fail(fmt.Errorf("open stream: %w", err), now)
		}
		c.cursor.id = id
		c.log.Debug("stream opened", "stream", id)
	}
	if err := c.cursor.queue(frame); err != nil {
		return err
	}
	c.metrics.Add(control.MetricFramesFlushed, 1)

	if err := c.flush(now); err != nil {
		return c.fail(err, now)
	}
	if err := c.manageTimer(now); err != nil {
		return c.fail(err, now)
	}
	return nil
}

// ingest hands every queued datagram to the engine.
func (c *Connection) ingest(now time.Time) error {
	for {
		n, from, err := c.sock.Recv(c.rxbuf)
		if errors.Is(err, api.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		c.metrics.Add(control.MetricRxPackets, 1)
		path := api.Path{Local: c.sock.LocalAddr(), Remote: from}
		if err := c.engine.Ingest(path, c.rxbuf[:n], now); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
	}
}

// flush sends packets until the engine has nothing more to write.
func (c *Connection) flush(now time.Time) error {
	retries := 0
	for {
		data := c.cursor.pending()
		n, consumed, err := c.engine.WriteStream(c.txbuf, c.cursor.id, data, api.WriteFlagMore, now)
		if errors.Is(err, api.ErrWriteMore) {
			c.consume(consumed)
			c.metrics.Add(control.MetricWriteMoreRetries, 1)
			if retries++; retries > c.cfg.MaxWriteMore {
				c.log.Warn("write-more retries exhausted", "retries", retries)
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write stream: %w", err)
		}
		c.consume(consumed)
		if n == 0 {
			return nil
		}
		if err := c.sock.Send(c.txbuf[:n]); err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				// the engine retransmits what the socket refused
				c.metrics.Add(control.MetricTxDropped, 1)
				return nil
			}
			return fmt.Errorf("send: %w", err)
		}
		c.metrics.Add(control.MetricTxPackets, 1)
	}
}

func (c *Connection) consume(n int) {
	if n <= 0 {
		return
	}
	c.cursor.advance(n)
	c.metrics.Add(control.MetricStreamConsumed, int64(n))
}

// manageTimer handles a deadline already due, then re-arms the timer for
// the next one, never sooner than MinRearm.
func (c *Connection) manageTimer(now time.Time) error {
	var d time.Duration
	exp := c.engine.Expiry()
	switch {
	case exp.IsZero():
		d = c.cfg.IdleRearm
	case !exp.After(now):
		c.metrics.Add(control.MetricExpiryEvents, 1)
		if err := c.engine.HandleExpiry(now); err != nil {
			return fmt.Errorf("handle expiry: %w", err)
		}
		if err := c.flush(now); err != nil {
			return err
		}
		d = c.cfg.MinRearm
	default:
		d = exp.Sub(now)
		if d < c.cfg.MinRearm {
			d = c.cfg.MinRearm
		}
	}
	c.lastRearm = d
	if c.timer != nil {
		c.timer.Again(d)
	}
	return nil
}

// fail records the first fatal error and closes the connection.
func (c *Connection) fail(err error, now time.Time) error {
	if c.lastErr == nil {
		ce := api.CloseErrorFrom(err)
		c.lastErr = &ce
	}
	c.log.Error("connection failed", "error", err, "code", uint64(c.lastErr.Code))
	c.setState(api.StateClosing)
	if cerr := c.Close(now); cerr != nil {
		c.log.Warn("close after failure", "error", cerr)
	}
	return err
}

// Close sends a connection-close packet unless the engine is already in
// its closing or draining period, marks the connection closed and stops the
// loop. Calling Close again does nothing.
func (c *Connection) Close(now time.Time) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.setState(api.StateClosing)

	var err error
	if !c.engine.InClosingPeriod() && !c.engine.InDrainingPeriod() {
		reason := api.CloseError{Code: api.CodeNoError}
		if c.lastErr != nil {
			reason = *c.lastErr
		}
		n, werr := c.engine.WriteConnectionClose(c.closeBuf, reason, now)
		switch {
		case werr != nil:
			err = fmt.Errorf("write connection close: %w", werr)
		case n > 0:
			if serr := c.sock.Send(c.closeBuf[:n]); serr != nil {
				err = fmt.Errorf("send connection close: %w", serr)
			} else {
				c.metrics.Add(control.MetricTxPackets, 1)
			}
		}
	}

	c.setState(api.StateClosed)
	c.log.Info("connection closed", "code", uint64(c.closeCode()))
	if c.stopper != nil {
		c.stopper.Stop()
	}
	return err
}

func (c *Connection) closeCode() api.ErrorCode {
	if c.lastErr == nil {
		return api.CodeNoError
	}
	return c.lastErr.Code
}

// HandleEngineEvent implements api.EventSink.
func (c *Connection) HandleEngineEvent(ev api.Event) error {
	switch ev.Kind {
	case api.EventHandshakeCompleted:
		if c.State() == api.StateHandshaking {
			c.setState(api.StateEstablished)
			c.log.Info("handshake completed")
		}
	case api.EventStreamsAvailable:
		c.streams.Store(ev.MaxStreams)
		c.log.Debug("stream credit", "max", ev.MaxStreams)
	case api.EventStreamData:
		c.metrics.Add(control.MetricRxStreamBytes, int64(len(ev.Data)))
		if _, err := c.sink.Write(ev.Data); err != nil {
			c.metrics.Add(control.MetricRxDroppedBytes, int64(len(ev.Data)))
			c.log.Warn("inbound stream bytes dropped", "stream", ev.StreamID, "bytes", len(ev.Data), "error", err)
		}
		// credit is returned even for dropped bytes so the stream keeps flowing
		if err := c.engine.ExtendMaxStreamOffset(ev.StreamID, len(ev.Data)); err != nil {
			return fmt.Errorf("extend stream offset: %w", err)
		}
	case api.EventStreamClosed:
		if ev.StreamID == c.cursor.id {
			c.cursor.reset()
			c.log.Debug("stream closed by peer", "stream", ev.StreamID)
		}
	}
	if c.observer != nil {
		c.observer.Observe(c.callCtx, ev)
	}
	return nil
}

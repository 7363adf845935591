// File: facade/client.go
// Unified facade over the reactor, the connection driver and the framing
// adapter.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client is the only caller-visible surface of the transport core. Two
// contexts reach it: the reactor goroutine, which delivers socket readiness
// and timer expiry, and the messaging goroutine, which sends and receives.
// Every entry point enters the same Guard with a bounded wait, so neither
// side can stall the other for longer than its configured lock timeout.

package facade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/control"
	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/protocol"
	"github.com/momentics/hioload-mqtt/reactor"
	"github.com/momentics/hioload-mqtt/transport/quic"
	"github.com/momentics/hioload-mqtt/transport/udp"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *control.MetricsRegistry
	observer quic.Observer
	conn     api.PacketConn
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the registry that receives counters.
func WithMetrics(m *control.MetricsRegistry) Option { return func(o *options) { o.metrics = m } }

// WithObserver installs a hook called for every engine event. It runs
// inside the guarded section; every Client call made from it fails at once
// with ErrReentrant, whatever context it passes.
func WithObserver(fn func(ctx context.Context, ev api.Event)) Option {
	return func(o *options) { o.observer = quic.ObserverFunc(fn) }
}

// WithPacketConn uses conn instead of dialing a UDP socket. The Client
// takes ownership and closes it on Teardown. A conn without a descriptor
// (RawFD < 0) gets no I/O watcher and is only read by Drive.
func WithPacketConn(conn api.PacketConn) Option { return func(o *options) { o.conn = conn } }

// Client owns one connection and the reactor that drives it.
type Client struct {
	cfg      *Config
	endpoint api.Endpoint
	log      *slog.Logger
	metrics  *control.MetricsRegistry

	guard  *Guard
	loop   *reactor.Loop
	sock   api.PacketConn
	conn   *quic.Connection
	framer *protocol.Framer
	ring   *protocol.ReceiveRing
	io     *reactor.IoWatcher
	timer  *reactor.TimerWatcher

	// valid only while Send holds the guard
	sendCtx context.Context

	started  atomic.Bool
	done     chan struct{}
	runErr   error
	tearOnce sync.Once
	tearErr  error
}

var _ reactor.Handler = (*Client)(nil)

// New resolves and connects the endpoint, creates the engine through
// factory and registers the socket and the connection timer with a fresh
// reactor. The timer fires immediately once the reactor runs, which sends
// the first handshake packet.
func New(ctx context.Context, endpoint api.Endpoint, cfg *Config, factory api.EngineFactory, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("facade: config: %w", err)
	}
	if err := endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("facade: endpoint: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("facade: nil engine factory: %w", api.ErrInvalidArgument)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = control.NewMetricsRegistry()
	}

	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		log:      logging.Component(o.logger, "facade"),
		metrics:  o.metrics,
		guard:    NewGuard(),
		done:     make(chan struct{}),
	}

	c.sock = o.conn
	if c.sock == nil {
		dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		sock, err := udp.Dial(dctx, endpoint.Host, endpoint.Port)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("facade: dial %s: %w", endpoint, err)
		}
		c.sock = sock
	}

	if err := c.init(factory, o); err != nil {
		if c.loop != nil {
			_ = c.loop.Close()
		}
		_ = c.sock.Close()
		return nil, err
	}
	c.log.Info("client ready", "endpoint", endpoint.String(), "local", c.sock.LocalAddr())
	return c, nil
}

func (c *Client) init(factory api.EngineFactory, o options) error {
	var err error
	if c.loop, err = reactor.NewLoop(c.cfg.reactorConfig(), o.logger); err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	if c.ring, err = protocol.NewReceiveRing(c.cfg.RecvRingSize); err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	var observer quic.Observer
	if o.observer != nil {
		observer = quic.ObserverFunc(func(ctx context.Context, ev api.Event) {
			c.guard.Dispatch(func() { o.observer.Observe(ctx, ev) })
		})
	}
	c.conn, err = quic.NewConnection(c.cfg.driverConfig(c.endpoint), c.sock, factory, c.ring, quic.Options{
		Logger:   o.logger,
		Metrics:  c.metrics,
		Observer: observer,
	})
	if err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	c.framer, err = protocol.NewFramer(c.cfg.MaxFrameSize, protocol.FrameSinkFunc(c.writeFrame))
	if err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	if fd := c.sock.RawFD(); fd >= 0 {
		if c.io, err = c.loop.WatchIO(fd, reactor.Readable, c); err != nil {
			return fmt.Errorf("facade: watch socket: %w", err)
		}
	}
	c.timer = c.loop.WatchTimer(0, 0, c)
	c.conn.Bind(c.timer, c.loop)
	return nil
}

// writeFrame is the framer's sink. It runs inside Send with the guard held.
func (c *Client) writeFrame(frame []byte, highPriority bool) error {
	if highPriority {
		c.log.Debug("connect frame", "bytes", len(frame))
	}
	return c.conn.WriteFrame(c.sendCtx, frame, time.Now())
}

// HandleEvent implements reactor.Handler. Socket readiness runs a drive
// cycle and the timer runs the expiry path. A busy guard skips the event;
// the socket stays readable and the timer is re-armed shortly.
func (c *Client) HandleEvent(ev reactor.Event) {
	ctx, release, err := c.guard.Enter(context.Background(), c.cfg.DriveLockTimeout)
	if err != nil {
		c.noteGuardErr(err)
		if ev.Kind == reactor.EventTimer && !c.conn.State().Terminal() {
			c.timer.Again(c.cfg.MinRearm)
		}
		return
	}
	defer release()

	now := time.Now()
	switch ev.Kind {
	case reactor.EventIO:
		err = c.conn.Drive(ctx, now)
	case reactor.EventTimer:
		err = c.conn.OnTimer(ctx, now)
	}
	if err != nil && !errors.Is(err, api.ErrClosed) {
		c.log.Warn("reactor event failed", "kind", ev.Kind.String(), "error", err)
	}
}

// Start runs the reactor on a background goroutine.
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return reactor.ErrAlreadyRunning
	}
	go func() {
		defer close(c.done)
		c.runErr = c.loop.Run()
	}()
	return nil
}

// Run runs the reactor on the calling goroutine until ctx is done, the
// connection closes or Teardown is called.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return reactor.ErrAlreadyRunning
	}
	defer close(c.done)
	stop := context.AfterFunc(ctx, c.loop.Stop)
	defer stop()
	c.runErr = c.loop.Run()
	return c.runErr
}

// Send queues p on the outbound frame buffer. Every complete frame it
// closes is written to the stream as one engine write. It returns len(p)
// on success.
//
// On error n counts the bytes of p whose frames already reached the
// stream; the caller resumes with p[n:]. Retryable results (ErrBusy,
// ErrNotEstablished, ErrSendQueueFull) keep nothing of the rest. With
// NonBlocking unset Send resumes them every PollInterval until ctx is done.
func (c *Client) Send(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	sent := 0
	_, err := retry(ctx, c, func() (int, error) {
		n, err := c.send(ctx, p[sent:])
		sent += n
		return sent, err
	})
	return sent, err
}

func (c *Client) send(ctx context.Context, p []byte) (int, error) {
	gctx, release, err := c.guard.Enter(ctx, c.cfg.WriteLockTimeout)
	if err != nil {
		c.noteGuardErr(err)
		return 0, err
	}
	defer release()

	switch {
	case c.conn.State().Terminal():
		return 0, api.ErrClosed
	case !c.conn.IsEstablished():
		return 0, api.ErrNotEstablished
	}
	c.sendCtx = gctx
	defer func() { c.sendCtx = nil }()
	return c.framer.Write(p)
}

// Receive copies up to len(p) buffered stream bytes into p. It returns
// ErrNoData when nothing arrived yet and ErrUnavailable before the
// handshake completes. With NonBlocking unset both are retried until ctx
// is done. Bytes that arrived before the connection closed are still
// returned; ErrClosed follows once they are drained.
func (c *Client) Receive(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return retry(ctx, c, func() (int, error) { return c.receive(ctx, p) })
}

func (c *Client) receive(ctx context.Context, p []byte) (int, error) {
	_, release, err := c.guard.Enter(ctx, c.cfg.ReadLockTimeout)
	if err != nil {
		c.noteGuardErr(err)
		return 0, err
	}
	defer release()

	switch {
	case c.ring.Len() > 0:
		return c.ring.Read(p), nil
	case c.conn.State().Terminal():
		return 0, api.ErrClosed
	case !c.conn.IsEstablished():
		return 0, api.ErrUnavailable
	}
	return 0, api.ErrNoData
}

func retry(ctx context.Context, c *Client, op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err == nil || c.cfg.NonBlocking || !api.IsRetryable(err) || errors.Is(err, api.ErrReentrant) {
			return n, err
		}
		t := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, fmt.Errorf("%w (last: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// Drive runs one ingest, flush and timer cycle from the caller's context.
// It returns ErrBusy when the reactor holds the guard past
// DriveLockTimeout.
func (c *Client) Drive(ctx context.Context) error {
	gctx, release, err := c.guard.Enter(ctx, c.cfg.DriveLockTimeout)
	if err != nil {
		c.noteGuardErr(err)
		return err
	}
	defer release()
	return c.conn.Drive(gctx, time.Now())
}

// IsEstablished reports a completed handshake. It never takes the guard.
func (c *Client) IsEstablished() bool { return c.conn.IsEstablished() }

// State returns the connection lifecycle state.
func (c *Client) State() api.ConnState { return c.conn.State() }

// WaitEstablished polls until the handshake completed and the peer granted
// stream credit. The reactor must be running.
func (c *Client) WaitEstablished(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = c.cfg.PollInterval
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		switch {
		case c.conn.State().Terminal():
			if le := c.conn.LastError(); le != nil {
				return fmt.Errorf("%w: %v", api.ErrClosed, le)
			}
			return api.ErrClosed
		case c.conn.IsEstablished() && c.conn.StreamsAvailable() > 0:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Done is closed when the reactor returns.
func (c *Client) Done() <-chan struct{} { return c.done }

// Teardown stops the reactor, sends a best-effort close packet and
// releases the socket and the poller. Calling it again returns the first
// result.
func (c *Client) Teardown() error {
	c.tearOnce.Do(func() {
		var errs []error
		c.loop.Stop()
		if c.started.Load() {
			select {
			case <-c.done:
				if c.runErr != nil {
					errs = append(errs, c.runErr)
				}
			case <-time.After(c.cfg.ShutdownTimeout):
				errs = append(errs, fmt.Errorf("facade: reactor did not stop within %v", c.cfg.ShutdownTimeout))
			}
		}

		_, release, err := c.guard.Enter(context.Background(), c.cfg.ShutdownTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("facade: teardown: %w", err))
		} else {
			if err := c.conn.Close(time.Now()); err != nil {
				errs = append(errs, err)
			}
			c.framer.Reset()
			release()
		}

		if c.io != nil {
			if err := c.loop.UnwatchIO(c.io); err != nil && !errors.Is(err, api.ErrNotRegistered) {
				errs = append(errs, err)
			}
		}
		c.loop.StopTimer(c.timer)
		if err := c.loop.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.sock.Close(); err != nil {
			errs = append(errs, err)
		}
		c.tearErr = errors.Join(errs...)
		c.log.Info("client torn down", "error", c.tearErr)
	})
	return c.tearErr
}

// Stats returns a metrics snapshot with the connection state.
func (c *Client) Stats() map[string]any {
	s := c.metrics.GetSnapshot()
	s["state"] = c.conn.State().String()
	s["streams_available"] = c.conn.StreamsAvailable()
	if _, release, err := c.guard.Enter(context.Background(), c.cfg.ReadLockTimeout); err == nil {
		s["stream_consumed"] = c.conn.Consumed()
		s["stream_unsent"] = c.conn.Unsent()
		s["rx_buffered"] = c.ring.Len()
		s["frame_pending"] = c.framer.Pending()
		release()
	}
	return s
}

func (c *Client) noteGuardErr(err error) {
	switch {
	case errors.Is(err, api.ErrBusy):
		c.metrics.Add(control.MetricLockTimeouts, 1)
	case errors.Is(err, api.ErrReentrant):
		c.metrics.Add(control.MetricReentrantRejects, 1)
		c.log.Warn("reentrant call rejected")
	}
}

// File: engine/plain/peer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package plain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/pool"
)

// Replier sends stream bytes back to the client that produced them.
type Replier interface {
	Reply(streamID int64, data []byte) error
	Finish(streamID int64) error
	Remote() netip.AddrPort
}

// StreamHandler receives stream bytes from a client. It runs on the
// peer's serving goroutine.
type StreamHandler func(r Replier, streamID int64, data []byte)

// EchoHandler writes every stream chunk back unchanged.
func EchoHandler(r Replier, id int64, data []byte) { _ = r.Reply(id, data) }

// PeerOptions configures a Peer.
type PeerOptions struct {
	MaxStreams uint64 // Stream credit granted in the accept record
	MaxPacket  int    // Largest datagram sent
	Handler    StreamHandler
	Logger     *slog.Logger
}

// Peer is the server side of the plain protocol over a UDP socket.
type Peer struct {
	opts PeerOptions
	conn *net.UDPConn
	log  *slog.Logger
	bufs *pool.BytePool

	mu      sync.Mutex
	clients map[netip.AddrPort]bool
	closed  bool

	hellos atomic.Int64
	closes atomic.Int64
	code   atomic.Uint64
}

// Listen opens a peer on addr, for example "127.0.0.1:0".
func Listen(addr string, opts PeerOptions) (*Peer, error) {
	if opts.MaxStreams == 0 {
		opts.MaxStreams = 16
	}
	if opts.MaxPacket <= 0 {
		opts.MaxPacket = 1452
	}
	if opts.Handler == nil {
		opts.Handler = EchoHandler
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("plain: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("plain: listen %s: %w", addr, err)
	}
	return &Peer{
		opts:    opts,
		conn:    conn,
		log:     logging.Component(opts.Logger, "plain-peer"),
		bufs:    pool.NewBytePool(opts.MaxPacket, 64),
		clients: make(map[netip.AddrPort]bool),
	}, nil
}

// Addr is the bound address.
func (p *Peer) Addr() netip.AddrPort {
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve reads datagrams until ctx is done or Close is called.
func (p *Peer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	buf := make([]byte, 65535)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("plain: read: %w", err)
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if err := p.handle(from, buf[:n]); err != nil {
			p.log.Warn("bad datagram", "from", from, "error", err)
		}
	}
}

func (p *Peer) handle(from netip.AddrPort, pkt []byte) error {
	r := &reply{p: p, to: from}
	return parseRecords(pkt, func(rec record) error {
		switch rec.kind {
		case recHello:
			p.hellos.Add(1)
			p.mu.Lock()
			p.clients[from] = true
			p.mu.Unlock()
			p.log.Debug("hello", "from", from, "alpn", rec.alpn)
			return p.sendRecord(from, func(b []byte) []byte { return appendAccept(b, p.opts.MaxStreams) })
		case recStream:
			if !p.known(from) {
				return p.sendRecord(from, func(b []byte) []byte { return appendClose(b, api.CodeProtocolViolation) })
			}
			p.opts.Handler(r, rec.id, rec.data)
		case recFin:
		case recClose:
			p.closes.Add(1)
			p.code.Store(rec.num)
			p.mu.Lock()
			delete(p.clients, from)
			p.mu.Unlock()
			p.log.Debug("client closed", "from", from, "code", rec.num)
		default:
			return malformed("unexpected record %q from client", rec.kind)
		}
		return nil
	})
}

func (p *Peer) known(addr netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[addr]
}

// sendRecord builds one datagram in a pooled buffer and sends it.
func (p *Peer) sendRecord(to netip.AddrPort, build func([]byte) []byte) error {
	pkt := build(p.bufs.Get())
	_, err := p.conn.WriteToUDPAddrPort(pkt, to)
	p.bufs.Put(pkt)
	return err
}

// CloseClient sends a connection-close record to a client.
func (p *Peer) CloseClient(to netip.AddrPort, code api.ErrorCode) error {
	p.mu.Lock()
	delete(p.clients, to)
	p.mu.Unlock()
	return p.sendRecord(to, func(b []byte) []byte { return appendClose(b, code) })
}

// CloseAll sends a connection-close record to every known client.
func (p *Peer) CloseAll(code api.ErrorCode) error {
	p.mu.Lock()
	addrs := make([]netip.AddrPort, 0, len(p.clients))
	for a := range p.clients {
		addrs = append(addrs, a)
	}
	p.mu.Unlock()
	var errs []error
	for _, a := range addrs {
		errs = append(errs, p.CloseClient(a, code))
	}
	return errors.Join(errs...)
}

// Clients is the number of clients that sent a hello and did not close.
func (p *Peer) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Hellos counts received hello records, retransmissions included.
func (p *Peer) Hellos() int64 { return p.hellos.Load() }

// Closes counts connection-close records received.
func (p *Peer) Closes() int64 { return p.closes.Load() }

// LastCloseCode is the code of the most recent close record.
func (p *Peer) LastCloseCode() api.ErrorCode { return api.ErrorCode(p.code.Load()) }

// Close stops Serve and releases the socket.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

type reply struct {
	p  *Peer
	to netip.AddrPort
}

func (r *reply) Remote() netip.AddrPort { return r.to }

// Reply splits data into stream records that fit one datagram each.
func (r *reply) Reply(id int64, data []byte) error {
	chunk := min(r.p.opts.MaxPacket-streamHeaderLen, maxStreamChunk)
	for len(data) > 0 {
		n := min(len(data), chunk)
		part := data[:n]
		if err := r.p.sendRecord(r.to, func(b []byte) []byte { return appendStream(b, id, part) }); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (r *reply) Finish(id int64) error {
	return r.p.sendRecord(r.to, func(b []byte) []byte { return appendFin(b, id) })
}

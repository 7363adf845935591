// Package fake
// Author: momentics <momentics@gmail.com>
//
// Scriptable transport engine. Stream bytes are emitted as plain packets
// prefixed with 'S'; queued control packets go out before stream data.

package fake

import (
	"sync"
	"time"

	"github.com/momentics/hioload-mqtt/api"
)

// Engine is a fake api.Engine whose answers are set by the test.
type Engine struct {
	mu   sync.Mutex
	sink api.EventSink

	calls    []string
	ingested [][]byte
	onIngest func(pkt []byte) []api.Event

	ingestError error
	writeError  error
	expiryError error
	openError   error

	writeMore int // upcoming WriteStream calls answering ErrWriteMore
	chunk     int // stream bytes consumed per call, 0 means all
	building  []byte
	control   [][]byte
	stream    []byte // every consumed stream byte, in order

	expiry     time.Time
	expiries   int
	closing    bool
	draining   bool
	closeCalls int
	closeWith  []api.CloseError

	nextStream int64
	extended   map[int64]int
}

var _ api.Engine = (*Engine)(nil)

// NewEngine creates an idle engine.
func NewEngine() *Engine {
	return &Engine{extended: make(map[int64]int)}
}

// Factory returns an api.EngineFactory handing out e.
func (e *Engine) Factory() api.EngineFactory {
	return func(_ api.EngineConfig, sink api.EventSink) (api.Engine, error) {
		e.mu.Lock()
		e.sink = sink
		e.mu.Unlock()
		return e, nil
	}
}

// Raise delivers ev to the sink as if the engine produced it.
func (e *Engine) Raise(ev api.Event) error {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	return sink.HandleEngineEvent(ev)
}

// Establish raises handshake completion and grants stream credit.
func (e *Engine) Establish(streams uint64) error {
	if err := e.Raise(api.Event{Kind: api.EventHandshakeCompleted}); err != nil {
		return err
	}
	return e.Raise(api.Event{Kind: api.EventStreamsAvailable, MaxStreams: streams})
}

func (e *Engine) record(call string) {
	e.calls = append(e.calls, call)
}

// Ingest implements api.Engine. Events produced by the OnIngest hook are
// raised before it returns.
func (e *Engine) Ingest(_ api.Path, pkt []byte, _ time.Time) error {
	e.mu.Lock()
	e.record("ingest")
	e.ingested = append(e.ingested, append([]byte(nil), pkt...))
	err, hook, sink := e.ingestError, e.onIngest, e.sink
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		for _, ev := range hook(pkt) {
			if err := sink.HandleEngineEvent(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnIngest installs a hook mapping each ingested datagram to events.
func (e *Engine) OnIngest(hook func(pkt []byte) []api.Event) {
	e.mu.Lock()
	e.onIngest = hook
	e.mu.Unlock()
}

// WriteStream implements api.Engine.
func (e *Engine) WriteStream(dst []byte, _ int64, data []byte, _ api.WriteFlag, _ time.Time) (int, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("write")
	if e.writeError != nil {
		return 0, api.NoStreamData, e.writeError
	}
	if len(e.control) > 0 {
		n := copy(dst, e.control[0])
		e.control = e.control[1:]
		return n, api.NoStreamData, nil
	}

	consumed := api.NoStreamData
	if len(data) > 0 {
		take := len(data)
		if e.chunk > 0 && take > e.chunk {
			take = e.chunk
		}
		e.building = append(e.building, data[:take]...)
		e.stream = append(e.stream, data[:take]...)
		consumed = take
	}
	if e.writeMore > 0 {
		e.writeMore--
		return 0, consumed, api.ErrWriteMore
	}
	if len(e.building) == 0 {
		return 0, consumed, nil
	}
	n := copy(dst, append([]byte{'S'}, e.building...))
	e.building = e.building[:0]
	return n, consumed, nil
}

// WriteConnectionClose implements api.Engine.
func (e *Engine) WriteConnectionClose(dst []byte, reason api.CloseError, _ time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("close")
	e.closeCalls++
	e.closeWith = append(e.closeWith, reason)
	e.closing = true
	return copy(dst, []byte{'C', byte(reason.Code)}), nil
}

// HandleExpiry implements api.Engine.
func (e *Engine) HandleExpiry(time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("expiry")
	e.expiries++
	e.expiry = time.Time{}
	return e.expiryError
}

// Expiry implements api.Engine.
func (e *Engine) Expiry() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expiry
}

// OpenBidiStream implements api.Engine.
func (e *Engine) OpenBidiStream() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openError != nil {
		return -1, e.openError
	}
	id := e.nextStream
	e.nextStream += 4
	return id, nil
}

// ExtendMaxStreamOffset implements api.Engine.
func (e *Engine) ExtendMaxStreamOffset(id int64, n int) error {
	e.mu.Lock()
	e.extended[id] += n
	e.mu.Unlock()
	return nil
}

// InClosingPeriod implements api.Engine.
func (e *Engine) InClosingPeriod() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// InDrainingPeriod implements api.Engine.
func (e *Engine) InDrainingPeriod() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// SetIngestError makes Ingest fail.
func (e *Engine) SetIngestError(err error) { e.mu.Lock(); e.ingestError = err; e.mu.Unlock() }

// SetWriteError makes WriteStream fail.
func (e *Engine) SetWriteError(err error) { e.mu.Lock(); e.writeError = err; e.mu.Unlock() }

// SetExpiryError makes HandleExpiry fail.
func (e *Engine) SetExpiryError(err error) { e.mu.Lock(); e.expiryError = err; e.mu.Unlock() }

// SetOpenError makes OpenBidiStream fail.
func (e *Engine) SetOpenError(err error) { e.mu.Lock(); e.openError = err; e.mu.Unlock() }

// ScriptWriteMore makes the next n WriteStream calls answer ErrWriteMore,
// consuming at most chunk bytes each (0 for all).
func (e *Engine) ScriptWriteMore(n, chunk int) {
	e.mu.Lock()
	e.writeMore = n
	e.chunk = chunk
	e.mu.Unlock()
}

// QueueControl queues a packet emitted before any stream data.
func (e *Engine) QueueControl(pkt []byte) {
	e.mu.Lock()
	e.control = append(e.control, append([]byte(nil), pkt...))
	e.mu.Unlock()
}

// SetExpiry sets the deadline reported by Expiry.
func (e *Engine) SetExpiry(t time.Time) { e.mu.Lock(); e.expiry = t; e.mu.Unlock() }

// SetDraining puts the engine in its draining period.
func (e *Engine) SetDraining(v bool) { e.mu.Lock(); e.draining = v; e.mu.Unlock() }

// Calls returns the sequence of engine entry points hit.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// ResetCalls clears the call log.
func (e *Engine) ResetCalls() { e.mu.Lock(); e.calls = nil; e.mu.Unlock() }

// Ingested returns every datagram handed to Ingest.
func (e *Engine) Ingested() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.ingested...)
}

// StreamBytes returns all stream bytes consumed so far.
func (e *Engine) StreamBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.stream...)
}

// CloseCalls is the number of connection-close packets built.
func (e *Engine) CloseCalls() int { e.mu.Lock(); defer e.mu.Unlock(); return e.closeCalls }

// CloseReasons returns the reasons passed to WriteConnectionClose.
func (e *Engine) CloseReasons() []api.CloseError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]api.CloseError(nil), e.closeWith...)
}

// Expiries is the number of HandleExpiry calls.
func (e *Engine) Expiries() int { e.mu.Lock(); defer e.mu.Unlock(); return e.expiries }

// Extended returns the flow-control credit returned for a stream.
func (e *Engine) Extended(id int64) int { e.mu.Lock(); defer e.mu.Unlock(); return e.extended[id] }

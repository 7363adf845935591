package plain

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-mqtt/api"
)

type recorder struct{ events []api.Event }

func (r *recorder) HandleEngineEvent(ev api.Event) error {
	ev.Data = append([]byte(nil), ev.Data...)
	r.events = append(r.events, ev)
	return nil
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts Options) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	eng, err := NewFactory(opts)(api.EngineConfig{ALPN: "mqtt", MaxPacket: 128, Now: t0}, rec)
	if err != nil {
		t.Fatal(err)
	}
	return eng.(*Engine), rec
}

func establish(t *testing.T, e *Engine, streams uint64) {
	t.Helper()
	dst := make([]byte, 128)
	if n, _, _ := e.WriteStream(dst, -1, nil, 0, t0); n == 0 {
		t.Fatal("no hello")
	}
	if err := e.Ingest(api.Path{}, appendAccept(nil, streams), t0); err != nil {
		t.Fatal(err)
	}
}

func TestParseRecordsRoundTrip(t *testing.T) {
	var pkt []byte
	pkt = appendHello(pkt, "mqtt")
	pkt = appendAccept(pkt, 7)
	pkt = appendStream(pkt, 4, []byte("data"))
	pkt = appendFin(pkt, 4)
	pkt = appendClose(pkt, api.CodeInternal)

	var got []record
	if err := parseRecords(pkt, func(r record) error { got = append(got, r); return nil }); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("%d records", len(got))
	}
	if got[0].alpn != "mqtt" || got[1].num != 7 || got[2].id != 4 || string(got[2].data) != "data" ||
		got[3].id != 4 || api.ErrorCode(got[4].num) != api.CodeInternal {
		t.Errorf("records %+v", got)
	}
}

func TestParseRecordsRejectsTruncation(t *testing.T) {
	full := appendStream(nil, 0, []byte("abcdef"))
	for _, pkt := range [][]byte{full[:len(full)-1], {recAccept, 0}, {recHello, 5, 'a'}, {'?'}} {
		err := parseRecords(pkt, func(record) error { return nil })
		var ee *api.EngineError
		if !errors.As(err, &ee) || ee.Code != api.CodeFrameEncoding {
			t.Errorf("%x: %v", pkt, err)
		}
	}
}

func TestHelloRetransmission(t *testing.T) {
	e, _ := newTestEngine(t, Options{HelloInterval: 100 * time.Millisecond, MaxHelloAttempts: 2})
	dst := make([]byte, 128)

	if !e.Expiry().IsZero() {
		t.Fatal("expiry before the first hello")
	}
	n, _, _ := e.WriteStream(dst, -1, nil, 0, t0)
	if n == 0 || dst[0] != recHello {
		t.Fatalf("first packet %x", dst[:n])
	}
	if want := t0.Add(100 * time.Millisecond); !e.Expiry().Equal(want) {
		t.Fatalf("expiry %v, want %v", e.Expiry(), want)
	}
	if n, _, _ := e.WriteStream(dst, -1, nil, 0, t0); n != 0 {
		t.Fatal("hello repeated before its interval")
	}

	t1 := t0.Add(100 * time.Millisecond)
	if err := e.HandleExpiry(t1); err != nil {
		t.Fatal(err)
	}
	if n, _, _ := e.WriteStream(dst, -1, nil, 0, t1); n == 0 || dst[0] != recHello {
		t.Fatal("hello not retransmitted")
	}
	err := e.HandleExpiry(t1.Add(100 * time.Millisecond))
	var ee *api.EngineError
	if !errors.As(err, &ee) || ee.Code != api.CodeIdleTimeout {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if !e.InDrainingPeriod() {
		t.Error("failed handshake not draining")
	}
}

func TestAcceptRaisesEvents(t *testing.T) {
	e, rec := newTestEngine(t, DefaultOptions())
	establish(t, e, 3)
	if len(rec.events) != 2 || rec.events[0].Kind != api.EventHandshakeCompleted ||
		rec.events[1].Kind != api.EventStreamsAvailable || rec.events[1].MaxStreams != 3 {
		t.Fatalf("events %+v", rec.events)
	}
	// duplicate accept from a retransmitted hello is ignored
	if err := e.Ingest(api.Path{}, appendAccept(nil, 3), t0); err != nil || len(rec.events) != 2 {
		t.Fatalf("duplicate accept: %v, %d events", err, len(rec.events))
	}
}

func TestStreamBeforeAcceptIsViolation(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	err := e.Ingest(api.Path{}, appendStream(nil, 0, []byte("x")), t0)
	var ee *api.EngineError
	if !errors.As(err, &ee) || ee.Code != api.CodeProtocolViolation {
		t.Fatalf("got %v", err)
	}
}

func TestWriteMoreCoalescesFragments(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	establish(t, e, 1)
	dst := make([]byte, 128)

	n, consumed, err := e.WriteStream(dst, 0, []byte("ab"), api.WriteFlagMore, t0)
	if !errors.Is(err, api.ErrWriteMore) || n != 0 || consumed != 2 {
		t.Fatalf("first: n=%d consumed=%d err=%v", n, consumed, err)
	}
	n, consumed, err = e.WriteStream(dst, 0, []byte("cd"), api.WriteFlagMore, t0)
	if !errors.Is(err, api.ErrWriteMore) || consumed != 2 {
		t.Fatalf("second: n=%d consumed=%d err=%v", n, consumed, err)
	}
	n, consumed, err = e.WriteStream(dst, 0, nil, api.WriteFlagMore, t0)
	if err != nil || consumed != api.NoStreamData {
		t.Fatalf("final: consumed=%d err=%v", consumed, err)
	}
	if want := appendStream(nil, 0, []byte("abcd")); !bytes.Equal(dst[:n], want) {
		t.Errorf("packet %x, want %x", dst[:n], want)
	}
}

func TestWriteStreamSplitsAtPacketSize(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	establish(t, e, 1)
	dst := make([]byte, 128)
	data := bytes.Repeat([]byte{'z'}, 300)

	n, consumed, err := e.WriteStream(dst, 0, data, api.WriteFlagMore, t0)
	if err != nil || consumed != 128-streamHeaderLen || n != 128 {
		t.Fatalf("n=%d consumed=%d err=%v", n, consumed, err)
	}
}

func TestOpenBidiStreamRespectsCredit(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	if _, err := e.OpenBidiStream(); !errors.Is(err, api.ErrStreamLimit) {
		t.Fatalf("before accept: %v", err)
	}
	establish(t, e, 2)
	for _, want := range []int64{0, 4} {
		id, err := e.OpenBidiStream()
		if err != nil || id != want {
			t.Fatalf("id %d err %v, want %d", id, err, want)
		}
	}
	if _, err := e.OpenBidiStream(); !errors.Is(err, api.ErrStreamLimit) {
		t.Fatalf("over credit: %v", err)
	}
}

func TestConnectionClose(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	establish(t, e, 1)
	dst := make([]byte, 64)
	n, err := e.WriteConnectionClose(dst, api.CloseError{Code: api.CodeInternal}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if want := appendClose(nil, api.CodeInternal); !bytes.Equal(dst[:n], want) {
		t.Errorf("close packet %x", dst[:n])
	}
	if !e.InClosingPeriod() {
		t.Error("not closing")
	}
	if n, _, _ := e.WriteStream(dst, 0, []byte("late"), 0, t0); n != 0 {
		t.Error("stream written while closing")
	}
}

func TestPeerCloseDrains(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	establish(t, e, 1)
	err := e.Ingest(api.Path{}, appendClose(nil, api.CodeApplication), t0)
	var ee *api.EngineError
	if !errors.As(err, &ee) || ee.Code != api.CodeApplication {
		t.Fatalf("got %v", err)
	}
	if !e.InDrainingPeriod() || !e.Expiry().IsZero() {
		t.Error("not draining")
	}
}

func TestIdleTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Options{IdleTimeout: time.Second})
	establish(t, e, 1)
	if want := t0.Add(time.Second); !e.Expiry().Equal(want) {
		t.Fatalf("expiry %v", e.Expiry())
	}
	if err := e.HandleExpiry(t0.Add(500 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	err := e.HandleExpiry(t0.Add(time.Second))
	var ee *api.EngineError
	if !errors.As(err, &ee) || ee.Code != api.CodeIdleTimeout {
		t.Fatalf("got %v", err)
	}
}

func TestCreditAccounting(t *testing.T) {
	e, _ := newTestEngine(t, DefaultOptions())
	_ = e.ExtendMaxStreamOffset(0, 3)
	_ = e.ExtendMaxStreamOffset(0, 4)
	if e.Credit(0) != 7 {
		t.Errorf("credit %d", e.Credit(0))
	}
}

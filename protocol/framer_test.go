package protocol_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/protocol"
)

type recordingSink struct {
	frames   [][]byte
	priority []bool
	err      error
}

func (s *recordingSink) WriteFrame(frame []byte, hp bool) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.priority = append(s.priority, hp)
	return nil
}

func newFramer(t *testing.T, capacity int, sink protocol.FrameSink) *protocol.Framer {
	t.Helper()
	f, err := protocol.NewFramer(capacity, sink)
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}
	return f
}

func TestFrameLength(t *testing.T) {
	cases := []struct {
		name  string
		in    []byte
		total int
		ok    bool
		err   error
	}{
		{"empty", nil, 0, false, nil},
		{"marker only", []byte{0x30}, 0, false, nil},
		{"one byte", []byte{0x10, 0x05}, 7, true, nil},
		{"zero length", []byte{0xC0, 0x00}, 2, true, nil},
		{"two bytes", []byte{0x30, 0xC1, 0x02}, 1 + 2 + 321, true, nil},
		{"continuation pending", []byte{0x30, 0x80}, 0, false, nil},
		{"three pending", []byte{0x30, 0xFF, 0xFF, 0xFF}, 0, false, nil},
		{"four bytes max", []byte{0x30, 0xFF, 0xFF, 0xFF, 0x7F}, 1 + 4 + protocol.MaxRemainingLength, true, nil},
		{"four continuation bytes", []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}, 0, false, api.ErrMalformedLength},
		{"trailing payload ignored", []byte{0x10, 0x02, 'a', 'b', 'c'}, 4, true, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			total, ok, err := protocol.FrameLength(c.in)
			if !errors.Is(err, c.err) || (c.err == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, c.err)
			}
			if total != c.total || ok != c.ok {
				t.Fatalf("got (%d, %v), want (%d, %v)", total, ok, c.total, c.ok)
			}
			// idempotent
			total2, ok2, _ := protocol.FrameLength(c.in)
			if total2 != total || ok2 != ok {
				t.Fatal("second resolution differs")
			}
		})
	}
}

func TestAppendLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, protocol.MaxRemainingLength} {
		hdr, err := protocol.AppendLength([]byte{0x30}, n)
		if err != nil {
			t.Fatalf("AppendLength(%d): %v", n, err)
		}
		total, ok, err := protocol.FrameLength(hdr)
		if err != nil || !ok || total != len(hdr)+n {
			t.Fatalf("n=%d: got (%d, %v, %v)", n, total, ok, err)
		}
	}
	if _, err := protocol.AppendLength(nil, protocol.MaxRemainingLength+1); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("oversized length accepted: %v", err)
	}
}

func TestFramerFlushesOnceAcrossFragments(t *testing.T) {
	sink := &recordingSink{}
	f := newFramer(t, protocol.DefaultFrameCapacity, sink)

	if n, err := f.Write([]byte{0x10, 0x05, 'h', 'e'}); err != nil || n != 4 {
		t.Fatalf("first fragment: (%d, %v)", n, err)
	}
	if len(sink.frames) != 0 {
		t.Fatal("flushed before frame was complete")
	}
	if f.Expected() != 7 {
		t.Fatalf("expected = %d, want 7", f.Expected())
	}
	if n, err := f.Write([]byte("llo")); err != nil || n != 3 {
		t.Fatalf("second fragment: (%d, %v)", n, err)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("flushed %d frames, want 1", len(sink.frames))
	}
	want := []byte{0x10, 0x05, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(sink.frames[0], want) {
		t.Fatalf("frame = %x, want %x", sink.frames[0], want)
	}
	if !sink.priority[0] {
		t.Fatal("CONNECT frame not marked high priority")
	}
	if f.Pending() != 0 || f.Expected() != 0 {
		t.Fatal("buffer not reset after flush")
	}
}

func TestFramerRejectsMalformedLength(t *testing.T) {
	sink := &recordingSink{}
	f := newFramer(t, protocol.DefaultFrameCapacity, sink)
	_, err := f.Write([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF})
	if !errors.Is(err, api.ErrMalformedLength) {
		t.Fatalf("err = %v, want ErrMalformedLength", err)
	}
	if len(sink.frames) != 0 || f.Pending() != 0 {
		t.Fatal("malformed frame left state behind")
	}
	// next frame starts clean
	if _, err := f.Write([]byte{0xC0, 0x00}); err != nil || len(sink.frames) != 1 {
		t.Fatalf("PINGREQ after error: %v, frames=%d", err, len(sink.frames))
	}
}

func TestFramerOverflowAndTooLarge(t *testing.T) {
	sink := &recordingSink{}
	f := newFramer(t, 8, sink)
	if _, err := f.Write(make([]byte, 9)); !errors.Is(err, api.ErrFrameOverflow) {
		t.Fatalf("overflow err = %v", err)
	}
	if _, err := f.Write([]byte{0x30, 0x20}); !errors.Is(err, api.ErrFrameTooLarge) {
		t.Fatalf("too large err = %v", err)
	}
	if f.Pending() != 0 {
		t.Fatal("state left after error")
	}
}

func TestFramerZeroLengthIsNoop(t *testing.T) {
	sink := &recordingSink{}
	f := newFramer(t, 16, sink)
	if n, err := f.Write(nil); n != 0 || err != nil {
		t.Fatalf("zero write = (%d, %v)", n, err)
	}
	if f.Pending() != 0 || len(sink.frames) != 0 {
		t.Fatal("zero write changed state")
	}
}

func TestFramerSplitsBackToBackFrames(t *testing.T) {
	sink := &recordingSink{}
	f := newFramer(t, 32, sink)
	in := []byte{0xC0, 0x00, 0x30, 0x03, 0x00, 0x01, 't', 0xE0}
	if _, err := f.Write(in); err != nil {
		t.Fatal(err)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(sink.frames))
	}
	if f.Pending() != 1 {
		t.Fatalf("pending = %d, want the DISCONNECT marker", f.Pending())
	}
	f.Write([]byte{0x00})
	if len(sink.frames) != 3 || !bytes.Equal(sink.frames[2], []byte{0xE0, 0x00}) {
		t.Fatalf("frames = %x", sink.frames)
	}
	if sink.priority[0] || sink.priority[1] {
		t.Fatal("non-CONNECT frame marked high priority")
	}
}

func TestFramerFatalSinkErrorResets(t *testing.T) {
	sink := &recordingSink{err: api.ErrClosed}
	f := newFramer(t, 16, sink)
	if _, err := f.Write([]byte{0xC0, 0x00}); !errors.Is(err, api.ErrClosed) {
		t.Fatalf("sink error not returned: %v", err)
	}
	if f.Pending() != 0 {
		t.Fatal("buffer kept after sink failure")
	}
}

func TestFramerRetryableSinkErrorRollsBack(t *testing.T) {
	sink := &recordingSink{err: api.ErrSendQueueFull}
	f := newFramer(t, 16, sink)
	if _, err := f.Write([]byte{0x30, 0x03, 0x00}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x01, 't'}); !errors.Is(err, api.ErrSendQueueFull) {
		t.Fatalf("err = %v", err)
	}
	if f.Pending() != 3 || f.Expected() != 5 {
		t.Fatalf("state after rollback: pending=%d expected=%d", f.Pending(), f.Expected())
	}
	sink.err = nil
	if _, err := f.Write([]byte{0x01, 't'}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sink.frames) != 1 || !bytes.Equal(sink.frames[0], []byte{0x30, 0x03, 0x00, 0x01, 't'}) {
		t.Fatalf("frames = %x", sink.frames)
	}
}

func TestFramerRetryAfterPartialFlushSendsEachFrameOnce(t *testing.T) {
	var sent [][]byte
	calls := 0
	sink := protocol.FrameSinkFunc(func(frame []byte, _ bool) error {
		calls++
		if calls == 2 {
			return api.ErrSendQueueFull
		}
		sent = append(sent, append([]byte(nil), frame...))
		return nil
	})
	f := newFramer(t, 16, sink)
	in := []byte{0x30, 0x01, 'a', 0x30, 0x01, 'b'}

	n, err := f.Write(in)
	if !errors.Is(err, api.ErrSendQueueFull) || n != 3 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}
	if f.Pending() != 0 {
		t.Fatalf("unsent frame kept: pending=%d", f.Pending())
	}
	if _, err := f.Write(in[n:]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	want := [][]byte{{0x30, 0x01, 'a'}, {0x30, 0x01, 'b'}}
	if len(sent) != len(want) || !bytes.Equal(sent[0], want[0]) || !bytes.Equal(sent[1], want[1]) {
		t.Fatalf("sent %q, want %q", sent, want)
	}
}

func TestFramerPartialFlushCountsBufferedPrefix(t *testing.T) {
	calls := 0
	sink := protocol.FrameSinkFunc(func([]byte, bool) error {
		calls++
		if calls == 2 {
			return api.ErrSendQueueFull
		}
		return nil
	})
	f := newFramer(t, 16, sink)
	if _, err := f.Write([]byte{0x30, 0x02}); err != nil {
		t.Fatal(err)
	}
	// completes the buffered frame, then a whole second frame that fails
	n, err := f.Write([]byte{'x', 'y', 0xC0, 0x00})
	if !errors.Is(err, api.ErrSendQueueFull) || n != 2 {
		t.Fatalf("n=%d err=%v, want 2 bytes of p consumed", n, err)
	}
}

// Any partition of an encoded packet yields exactly one identical write.
func TestFramerRandomPartitionsOfConnect(t *testing.T) {
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.CleanSession = true
	cp.Keepalive = 60
	cp.ClientIdentifier = "hioload-test-client"
	var enc bytes.Buffer
	if err := cp.Write(&enc); err != nil {
		t.Fatal(err)
	}
	packet := enc.Bytes()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		sink := &recordingSink{}
		f := newFramer(t, protocol.DefaultFrameCapacity, sink)
		rest := packet
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			if _, err := f.Write(rest[:n]); err != nil {
				t.Fatalf("trial %d: %v", trial, err)
			}
			rest = rest[n:]
		}
		if len(sink.frames) != 1 || !bytes.Equal(sink.frames[0], packet) {
			t.Fatalf("trial %d: frames=%d", trial, len(sink.frames))
		}
	}
}

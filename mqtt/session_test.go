package mqtt_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/mqtt"
)

// memTransport connects a session to a Broker in memory. Inbound bytes are
// handed out at most chunk bytes per Receive to exercise reassembly.
type memTransport struct {
	mu      sync.Mutex
	key     string
	broker  *mqtt.Broker
	inbound []byte
	chunk   int
	busy    int // upcoming Send calls answering ErrBusy
	sent    int
}

func newMem(b *mqtt.Broker, key string) *memTransport {
	return &memTransport{key: key, broker: b, chunk: 3}
}

func (m *memTransport) deliver(p []byte) error {
	m.mu.Lock()
	m.inbound = append(m.inbound, p...)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) Send(_ context.Context, p []byte) (int, error) {
	m.mu.Lock()
	if m.busy > 0 {
		m.busy--
		m.mu.Unlock()
		return 0, api.ErrBusy
	}
	m.sent++
	m.mu.Unlock()
	if err := m.broker.Feed(m.key, p, m.deliver); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (m *memTransport) Receive(_ context.Context, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbound) == 0 {
		return 0, api.ErrNoData
	}
	n := copy(p[:min(len(p), m.chunk)], m.inbound)
	m.inbound = m.inbound[n:]
	return n, nil
}

func (m *memTransport) IsEstablished() bool { return true }

func connected(t *testing.T, b *mqtt.Broker, key string, handler mqtt.MessageHandler) (*mqtt.Session, *memTransport) {
	t.Helper()
	tr := newMem(b, key)
	cfg := mqtt.DefaultSessionConfig()
	cfg.PollInterval = time.Millisecond
	cfg.AckTimeout = time.Second
	s, err := mqtt.NewSession(tr, cfg, handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, tr
}

func TestConnectSubscribePublish(t *testing.T) {
	b := mqtt.NewBroker(nil)
	var got []mqtt.Message
	s, _ := connected(t, b, "a", func(m mqtt.Message) { got = append(got, m) })
	if !s.Connected() || b.Clients() != 1 {
		t.Fatal("not connected")
	}
	ctx := context.Background()

	granted, err := s.Subscribe(ctx, "sensors/+/temp", 1)
	if err != nil || granted != 1 {
		t.Fatalf("subscribe: %d %v", granted, err)
	}
	if err := s.Publish(ctx, "sensors/kitchen/temp", []byte("21.5"), 1, false); err != nil {
		t.Fatal(err)
	}
	// the routed copy may have been dispatched while waiting for PUBACK
	if _, err := s.Process(ctx); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Topic != "sensors/kitchen/temp" || string(got[0].Payload) != "21.5" || got[0].QoS != 1 {
		t.Fatalf("messages %+v", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Clients() != 0 {
		t.Error("broker kept the client after DISCONNECT")
	}
}

func TestPublishRoutesBetweenClients(t *testing.T) {
	b := mqtt.NewBroker(nil)
	var got []mqtt.Message
	sub, _ := connected(t, b, "sub", func(m mqtt.Message) { got = append(got, m) })
	pub, _ := connected(t, b, "pub", nil)
	ctx := context.Background()

	if _, err := sub.Subscribe(ctx, "a/#", 0); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, "a/b/c", []byte("x"), 1, false); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, "b/a", []byte("y"), 0, false); err != nil {
		t.Fatal(err)
	}
	n, err := sub.Process(ctx)
	if err != nil || n != 1 {
		t.Fatalf("processed %d, %v", n, err)
	}
	if len(got) != 1 || got[0].QoS != 0 || string(got[0].Payload) != "x" {
		t.Fatalf("messages %+v", got)
	}
}

func TestQoS1DeliveryIsAcknowledged(t *testing.T) {
	b := mqtt.NewBroker(nil)
	sub, tr := connected(t, b, "sub", func(mqtt.Message) {})
	pub, _ := connected(t, b, "pub", nil)
	ctx := context.Background()
	if _, err := sub.Subscribe(ctx, "q", 1); err != nil {
		t.Fatal(err)
	}
	before := tr.sent
	if err := pub.Publish(ctx, "q", []byte("z"), 1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Process(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.sent != before+1 {
		t.Errorf("subscriber sent %d packets, want one PUBACK", tr.sent-before)
	}
}

func TestSendRetriesBusyTransport(t *testing.T) {
	b := mqtt.NewBroker(nil)
	s, tr := connected(t, b, "a", nil)
	tr.busy = 3
	if err := s.Publish(context.Background(), "t", []byte("p"), 1, false); err != nil {
		t.Fatalf("publish over busy transport: %v", err)
	}
}

func TestAckTimeout(t *testing.T) {
	tr := &silentTransport{}
	cfg := mqtt.DefaultSessionConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	s, err := mqtt.NewSession(tr, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, mqtt.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if len(tr.sent) == 0 || tr.sent[0] != 0x10 {
		t.Fatalf("CONNECT not sent: %x", tr.sent)
	}
}

func TestConnectRefused(t *testing.T) {
	tr := &silentTransport{}
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = packets.ErrRefusedNotAuthorised
	var buf bytes.Buffer
	if err := ack.Write(&buf); err != nil {
		t.Fatal(err)
	}
	tr.inbound = buf.Bytes()
	s, _ := mqtt.NewSession(tr, mqtt.DefaultSessionConfig(), nil, nil)
	if err := s.Connect(context.Background()); !errors.Is(err, mqtt.ErrConnectRefused) {
		t.Fatalf("expected ErrConnectRefused, got %v", err)
	}
	if s.Connected() {
		t.Error("refused session marked connected")
	}
}

func TestNotConnected(t *testing.T) {
	s, _ := mqtt.NewSession(&silentTransport{}, mqtt.DefaultSessionConfig(), nil, nil)
	if err := s.Publish(context.Background(), "t", nil, 0, false); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("publish: %v", err)
	}
	if _, err := s.Subscribe(context.Background(), "t", 0); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("subscribe: %v", err)
	}
}

func encode(t *testing.T, pkt packets.ControlPacket) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func connectedSilent(t *testing.T, cfg mqtt.SessionConfig, handler mqtt.MessageHandler) (*mqtt.Session, *silentTransport) {
	t.Helper()
	tr := &silentTransport{inbound: encode(t, packets.NewControlPacket(packets.Connack))}
	s, err := mqtt.NewSession(tr, cfg, handler, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.sent = nil
	return s, tr
}

func publishPacket(topic, payload string) packets.ControlPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = []byte(payload)
	return p
}

func TestBackToBackPacketsEachWithinLimit(t *testing.T) {
	cfg := mqtt.DefaultSessionConfig()
	cfg.MaxPacket = 16
	var got []string
	s, tr := connectedSilent(t, cfg, func(m mqtt.Message) { got = append(got, string(m.Payload)) })

	// two 10-byte packets arrive in one read, together over the limit
	tr.inbound = append(encode(t, publishPacket("t", "first")), encode(t, publishPacket("t", "again"))...)
	n, err := s.Process(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("processed %d, %v", n, err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "again" {
		t.Fatalf("messages %q", got)
	}
}

func TestOversizedPacketRejected(t *testing.T) {
	cfg := mqtt.DefaultSessionConfig()
	cfg.MaxPacket = 16
	s, tr := connectedSilent(t, cfg, nil)
	tr.inbound = encode(t, publishPacket("t", "a payload longer than sixteen bytes"))
	if _, err := s.Process(context.Background()); !errors.Is(err, api.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestPartialSendResumesWithoutDuplicates(t *testing.T) {
	cfg := mqtt.DefaultSessionConfig()
	cfg.PollInterval = time.Millisecond
	s, tr := connectedSilent(t, cfg, nil)
	tr.short = 2
	if err := s.Publish(context.Background(), "t", []byte("p"), 0, false); err != nil {
		t.Fatal(err)
	}
	want := encode(t, publishPacket("t", "p"))
	if !bytes.Equal(tr.sent, want) {
		t.Fatalf("sent %x, want %x", tr.sent, want)
	}
}

func TestGeneratedClientID(t *testing.T) {
	a, _ := mqtt.NewSession(&silentTransport{}, mqtt.SessionConfig{}, nil, nil)
	b, _ := mqtt.NewSession(&silentTransport{}, mqtt.SessionConfig{}, nil, nil)
	if a.ClientID() == "" || a.ClientID() == b.ClientID() || len(a.ClientID()) > 23 {
		t.Errorf("client ids %q %q", a.ClientID(), b.ClientID())
	}
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "b", false},
		{"#", "x/y", true},
		{"+/+", "a/b", true},
		{"a/#/b", "a/x/b", false},
	}
	for _, c := range cases {
		if got := mqtt.MatchTopic(c.filter, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v", c.filter, c.topic, got)
		}
	}
}

// silentTransport accepts every send and returns preset inbound bytes.
type silentTransport struct {
	sent    []byte
	inbound []byte
	short   int // next Send takes this many bytes, then reports a full queue
}

func (s *silentTransport) Send(_ context.Context, p []byte) (int, error) {
	if s.short > 0 {
		n := min(s.short, len(p))
		s.short = 0
		s.sent = append(s.sent, p[:n]...)
		return n, api.ErrSendQueueFull
	}
	s.sent = append(s.sent, p...)
	return len(p), nil
}

func (s *silentTransport) Receive(_ context.Context, p []byte) (int, error) {
	if len(s.inbound) == 0 {
		return 0, api.ErrNoData
	}
	n := copy(p, s.inbound)
	s.inbound = s.inbound[n:]
	return n, nil
}

func (s *silentTransport) IsEstablished() bool { return true }

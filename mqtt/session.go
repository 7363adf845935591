// File: mqtt/session.go
// Package mqtt runs an MQTT 3.1.1 session over the transport core.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Packets are encoded and decoded with the paho packets codec. Outbound
// packets are written straight into the transport, whose framing adapter
// turns them into one stream write each; inbound bytes are reassembled with
// the same length resolution before decoding.
//
// A Session is used from one goroutine.

package mqtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/protocol"
)

var (
	ErrConnectRefused   = errors.New("mqtt: connection refused")
	ErrSubscribeRefused = errors.New("mqtt: subscription refused")
	ErrAckTimeout       = errors.New("mqtt: acknowledgement timeout")
	ErrUnexpectedPacket = errors.New("mqtt: unexpected packet")
	ErrNotConnected     = errors.New("mqtt: session not connected")
)

// Transport is the byte pipe a session runs on. *facade.Client satisfies it.
type Transport interface {
	Send(ctx context.Context, p []byte) (int, error)
	Receive(ctx context.Context, p []byte) (int, error)
	IsEstablished() bool
}

// Message is an application message delivered to a subscriber.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	ID       uint16
}

// MessageHandler receives inbound publications.
type MessageHandler func(msg Message)

// SessionConfig holds the MQTT session parameters.
type SessionConfig struct {
	ClientID     string        // Empty means a generated identifier
	KeepAlive    time.Duration // Advertised keep-alive, whole seconds
	CleanSession bool
	Username     string
	Password     string
	AckTimeout   time.Duration // Wait for CONNACK, SUBACK, PUBACK and PINGRESP
	PollInterval time.Duration // Pause between receive attempts while waiting
	MaxPacket    int           // Largest inbound packet reassembled
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		KeepAlive:    60 * time.Second,
		CleanSession: true,
		AckTimeout:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxPacket:    protocol.DefaultRingCapacity,
	}
}

// NewClientID returns a random client identifier within the 23 byte limit
// every broker must accept.
func NewClientID() string {
	id := uuid.New()
	return fmt.Sprintf("hioload-%x", id[:7])
}

// Session is one MQTT session.
type Session struct {
	tr      Transport
	cfg     SessionConfig
	log     *slog.Logger
	handler MessageHandler

	connected bool
	nextID    uint16
	rx        []byte
	scratch   []byte
	lastSend  time.Time
}

// NewSession prepares a session; nothing is sent until Connect.
func NewSession(tr Transport, cfg SessionConfig, handler MessageHandler, logger *slog.Logger) (*Session, error) {
	if tr == nil {
		return nil, fmt.Errorf("mqtt: nil transport: %w", api.ErrInvalidArgument)
	}
	def := DefaultSessionConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPacket <= 0 {
		cfg.MaxPacket = def.MaxPacket
	}
	if cfg.KeepAlive < 0 || cfg.KeepAlive > 0xFFFF*time.Second {
		return nil, fmt.Errorf("mqtt: keep-alive %v: %w", cfg.KeepAlive, api.ErrInvalidArgument)
	}
	return &Session{
		tr:      tr,
		cfg:     cfg,
		log:     logging.Component(logger, "mqtt").With("client_id", cfg.ClientID),
		handler: handler,
		scratch: make([]byte, 512),
	}, nil
}

// ClientID is the identifier sent in CONNECT.
func (s *Session) ClientID() string { return s.cfg.ClientID }

// Connected reports an accepted CONNECT.
func (s *Session) Connected() bool { return s.connected }

// Connect sends CONNECT and waits for CONNACK.
func (s *Session) Connect(ctx context.Context) error {
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.ClientIdentifier = s.cfg.ClientID
	cp.CleanSession = s.cfg.CleanSession
	cp.Keepalive = uint16(s.cfg.KeepAlive / time.Second)
	if s.cfg.Username != "" {
		cp.UsernameFlag = true
		cp.Username = s.cfg.Username
	}
	if s.cfg.Password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(s.cfg.Password)
	}
	if err := s.write(ctx, cp); err != nil {
		return err
	}
	pkt, err := s.await(ctx, "CONNACK", func(p packets.ControlPacket) bool {
		_, ok := p.(*packets.ConnackPacket)
		return ok
	})
	if err != nil {
		return err
	}
	ack := pkt.(*packets.ConnackPacket)
	if ack.ReturnCode != packets.Accepted {
		return fmt.Errorf("%w: %s", ErrConnectRefused, packets.ConnackReturnCodes[ack.ReturnCode])
	}
	s.connected = true
	s.log.Info("connected", "session_present", ack.SessionPresent)
	return nil
}

// Subscribe subscribes to one topic filter and returns the granted QoS.
func (s *Session) Subscribe(ctx context.Context, filter string, qos byte) (byte, error) {
	if !s.connected {
		return 0, ErrNotConnected
	}
	if filter == "" || qos > 1 {
		return 0, fmt.Errorf("mqtt: subscribe %q qos %d: %w", filter, qos, api.ErrInvalidArgument)
	}
	sp := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sp.MessageID = s.messageID()
	sp.Topics = []string{filter}
	sp.Qoss = []byte{qos}
	if err := s.write(ctx, sp); err != nil {
		return 0, err
	}
	pkt, err := s.await(ctx, "SUBACK", func(p packets.ControlPacket) bool {
		ack, ok := p.(*packets.SubackPacket)
		return ok && ack.MessageID == sp.MessageID
	})
	if err != nil {
		return 0, err
	}
	codes := pkt.(*packets.SubackPacket).ReturnCodes
	if len(codes) != 1 || codes[0] > 2 {
		return 0, fmt.Errorf("%w: %q", ErrSubscribeRefused, filter)
	}
	s.log.Debug("subscribed", "filter", filter, "granted", codes[0])
	return codes[0], nil
}

// Publish sends an application message. QoS 1 waits for PUBACK.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !s.connected {
		return ErrNotConnected
	}
	if topic == "" || qos > 1 {
		return fmt.Errorf("mqtt: publish %q qos %d: %w", topic, qos, api.ErrInvalidArgument)
	}
	pp := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pp.TopicName = topic
	pp.Payload = payload
	pp.Qos = qos
	pp.Retain = retain
	if qos > 0 {
		pp.MessageID = s.messageID()
	}
	if err := s.write(ctx, pp); err != nil {
		return err
	}
	if qos == 0 {
		return nil
	}
	_, err := s.await(ctx, "PUBACK", func(p packets.ControlPacket) bool {
		ack, ok := p.(*packets.PubackPacket)
		return ok && ack.MessageID == pp.MessageID
	})
	return err
}

// Ping sends PINGREQ and waits for PINGRESP.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.write(ctx, packets.NewControlPacket(packets.Pingreq)); err != nil {
		return err
	}
	_, err := s.await(ctx, "PINGRESP", func(p packets.ControlPacket) bool {
		_, ok := p.(*packets.PingrespPacket)
		return ok
	})
	return err
}

// KeepAlive pings when nothing was sent for half the keep-alive interval.
func (s *Session) KeepAlive(ctx context.Context, now time.Time) error {
	if !s.connected || s.cfg.KeepAlive == 0 || now.Sub(s.lastSend) < s.cfg.KeepAlive/2 {
		return nil
	}
	return s.Ping(ctx)
}

// Disconnect sends DISCONNECT. The session cannot be reused.
func (s *Session) Disconnect(ctx context.Context) error {
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.write(ctx, packets.NewControlPacket(packets.Disconnect))
}

// Process handles every complete inbound packet available now and returns
// how many were handled. Running out of data and other retryable transport
// results end the tick without an error.
func (s *Session) Process(ctx context.Context) (int, error) {
	handled := 0
	for {
		pkt, err := s.next(ctx)
		if api.IsRetryable(err) && !errors.Is(err, api.ErrReentrant) {
			return handled, nil
		}
		if err != nil {
			return handled, err
		}
		if err := s.dispatch(ctx, pkt); err != nil {
			return handled, err
		}
		handled++
	}
}

func (s *Session) messageID() uint16 {
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	return s.nextID
}

// write encodes pkt into the transport. Retryable transport results are
// repeated from the first byte the transport did not take.
func (s *Session) write(ctx context.Context, pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", pkt.String(), err)
	}
	data := buf.Bytes()
	for {
		n, err := s.tr.Send(ctx, data)
		data = data[n:]
		if err == nil {
			s.lastSend = time.Now()
			return nil
		}
		if !api.IsRetryable(err) || errors.Is(err, api.ErrReentrant) {
			return fmt.Errorf("mqtt: send: %w", err)
		}
		if err := s.pause(ctx); err != nil {
			return fmt.Errorf("mqtt: send: %w", err)
		}
	}
}

// await reads packets until match accepts one, dispatching the others.
func (s *Session) await(ctx context.Context, what string, match func(packets.ControlPacket) bool) (packets.ControlPacket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()
	for {
		pkt, err := s.next(ctx)
		switch {
		case err == nil:
			if match(pkt) {
				return pkt, nil
			}
			if err := s.dispatch(ctx, pkt); err != nil {
				return nil, err
			}
			continue
		case !api.IsRetryable(err):
			return nil, err
		}
		if err := s.pause(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrAckTimeout, what)
			}
			return nil, err
		}
	}
}

func (s *Session) pause(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// next returns one decoded packet or ErrNoData.
func (s *Session) next(ctx context.Context) (packets.ControlPacket, error) {
	for {
		pkt, ok, err := s.decode()
		if err != nil || ok {
			return pkt, err
		}
		n, err := s.tr.Receive(ctx, s.scratch)
		if err != nil {
			return nil, err
		}
		s.rx = append(s.rx, s.scratch[:n]...)
	}
}

func (s *Session) decode() (packets.ControlPacket, bool, error) {
	total, ok, err := protocol.FrameLength(s.rx)
	if err != nil {
		s.rx = s.rx[:0]
		return nil, false, fmt.Errorf("mqtt: inbound length: %w", err)
	}
	if ok && total > s.cfg.MaxPacket {
		s.rx = s.rx[:0]
		return nil, false, fmt.Errorf("mqtt: inbound packet of %d bytes over %d: %w", total, s.cfg.MaxPacket, api.ErrFrameTooLarge)
	}
	if !ok || len(s.rx) < total {
		return nil, false, nil
	}
	pkt, err := packets.ReadPacket(bytes.NewReader(s.rx[:total]))
	s.rx = s.rx[:copy(s.rx, s.rx[total:])]
	if err != nil {
		return nil, false, fmt.Errorf("mqtt: decode: %w", err)
	}
	return pkt, true, nil
}

func (s *Session) dispatch(ctx context.Context, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		if p.Qos == 1 {
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = p.MessageID
			if err := s.write(ctx, ack); err != nil {
				return err
			}
		}
		if s.handler != nil {
			s.handler(Message{Topic: p.TopicName, Payload: p.Payload, QoS: p.Qos, Retained: p.Retain, ID: p.MessageID})
		}
	case *packets.PingrespPacket, *packets.PubackPacket, *packets.SubackPacket, *packets.UnsubackPacket:
		s.log.Debug("late acknowledgement", "packet", pkt.String())
	case *packets.DisconnectPacket:
		s.connected = false
		return fmt.Errorf("%w: DISCONNECT from server", ErrUnexpectedPacket)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.String())
	}
	return nil
}

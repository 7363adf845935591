// File: mqtt/broker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package mqtt

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/protocol"
)

// ReplyFunc delivers encoded packets to one broker client.
type ReplyFunc func(p []byte) error

// Broker is a minimal in-memory MQTT 3.1.1 broker: CONNECT, SUBSCRIBE,
// PUBLISH at QoS 0 and 1, PINGREQ and DISCONNECT. It has no persistence
// and no retained messages. Clients are identified by an opaque key, for
// example the remote address of a datagram peer.
type Broker struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*brokerClient
}

type brokerClient struct {
	key    string
	id     string
	reply  ReplyFunc
	rx     []byte
	subs   map[string]byte
	nextID uint16
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		log:     logging.Component(logger, "broker"),
		clients: make(map[string]*brokerClient),
	}
}

// Clients is the number of connected clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Feed hands stream bytes from client key to the broker. Bytes may split
// packets anywhere; replies and routed publications go through reply.
func (b *Broker) Feed(key string, data []byte, reply ReplyFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[key]
	if !ok {
		c = &brokerClient{key: key, subs: make(map[string]byte)}
		b.clients[key] = c
	}
	c.reply = reply
	c.rx = append(c.rx, data...)

	for {
		total, ok, err := protocol.FrameLength(c.rx)
		if err != nil {
			delete(b.clients, key)
			return fmt.Errorf("broker: client %s: %w", key, err)
		}
		if !ok || len(c.rx) < total {
			return nil
		}
		pkt, err := packets.ReadPacket(bytes.NewReader(c.rx[:total]))
		c.rx = c.rx[:copy(c.rx, c.rx[total:])]
		if err != nil {
			delete(b.clients, key)
			return fmt.Errorf("broker: client %s: decode: %w", key, err)
		}
		if err := b.handle(c, pkt); err != nil {
			return err
		}
	}
}

func (b *Broker) handle(c *brokerClient, pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.ConnectPacket:
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		ack.ReturnCode = p.Validate()
		if ack.ReturnCode == packets.Accepted && p.ClientIdentifier == "" && !p.CleanSession {
			ack.ReturnCode = packets.ErrRefusedIDRejected
		}
		c.id = p.ClientIdentifier
		b.log.Debug("connect", "client", c.key, "id", c.id, "code", ack.ReturnCode)
		if ack.ReturnCode != packets.Accepted {
			delete(b.clients, c.key)
		}
		return send(c, ack)
	case *packets.SubscribePacket:
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = p.MessageID
		for i, filter := range p.Topics {
			granted := min(p.Qoss[i], 1)
			c.subs[filter] = granted
			ack.ReturnCodes = append(ack.ReturnCodes, granted)
		}
		return send(c, ack)
	case *packets.UnsubscribePacket:
		for _, filter := range p.Topics {
			delete(c.subs, filter)
		}
		ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		ack.MessageID = p.MessageID
		return send(c, ack)
	case *packets.PublishPacket:
		if p.Qos == 1 {
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = p.MessageID
			if err := send(c, ack); err != nil {
				return err
			}
		}
		b.route(p)
	case *packets.PubackPacket:
	case *packets.PingreqPacket:
		return send(c, packets.NewControlPacket(packets.Pingresp))
	case *packets.DisconnectPacket:
		b.log.Debug("disconnect", "client", c.key, "id", c.id)
		delete(b.clients, c.key)
	default:
		delete(b.clients, c.key)
		return fmt.Errorf("broker: client %s: %w: %s", c.key, ErrUnexpectedPacket, pkt.String())
	}
	return nil
}

// route forwards p to every matching subscription at the lower QoS.
func (b *Broker) route(p *packets.PublishPacket) {
	for _, sub := range b.clients {
		qos, ok := sub.match(p.TopicName)
		if !ok {
			continue
		}
		out := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		out.TopicName = p.TopicName
		out.Payload = p.Payload
		out.Qos = min(qos, p.Qos)
		if out.Qos > 0 {
			sub.nextID++
			if sub.nextID == 0 {
				sub.nextID = 1
			}
			out.MessageID = sub.nextID
		}
		if err := send(sub, out); err != nil {
			b.log.Warn("route failed", "client", sub.key, "topic", p.TopicName, "error", err)
		}
	}
}

func (c *brokerClient) match(topic string) (byte, bool) {
	best, found := byte(0), false
	for filter, qos := range c.subs {
		if MatchTopic(filter, topic) && (!found || qos > best) {
			best, found = qos, true
		}
	}
	return best, found
}

func send(c *brokerClient, pkt packets.ControlPacket) error {
	if c.reply == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	return c.reply(buf.Bytes())
}

// MatchTopic reports whether topic matches filter with the + and #
// wildcards.
func MatchTopic(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		switch {
		case f == "#":
			return i == len(fs)-1
		case i >= len(ts):
			return false
		case f != "+" && f != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}

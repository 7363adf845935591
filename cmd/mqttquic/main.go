// File: cmd/mqttquic/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// mqttquic connects to an MQTT broker over the datagram transport,
// subscribes to a topic, publishes one message to it and prints every
// message received until interrupted.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/config"
	"github.com/momentics/hioload-mqtt/control"
	"github.com/momentics/hioload-mqtt/engine/plain"
	"github.com/momentics/hioload-mqtt/facade"
	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/mqtt"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	topic := flag.String("topic", "", "topic to subscribe and publish to (overrides config)")
	message := flag.String("message", "hello from hioload-mqtt", "payload published after subscribing")
	loopback := flag.Bool("loopback", false, "run an in-process broker and connect to it")
	flag.Parse()

	if err := run(*configPath, *topic, *message, *loopback); err != nil {
		fmt.Fprintf(os.Stderr, "mqttquic: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, topic, message string, loopback bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if topic != "" {
		cfg.MQTT.Topic = topic
	}
	log := logging.New(cfg.LogOptions(), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint := cfg.Target()
	if loopback {
		peer, err := startLoopback(ctx, log)
		if err != nil {
			return err
		}
		defer peer.Close()
		endpoint.Host = "127.0.0.1"
		endpoint.Port = int(peer.Addr().Port())
	}

	engineOpts := plain.DefaultOptions()
	engineOpts.Logger = log.Logger
	metrics := control.NewMetricsRegistry()
	client, err := facade.New(ctx, endpoint, cfg.Facade(), plain.NewFactory(engineOpts),
		facade.WithLogger(log.Logger),
		facade.WithMetrics(metrics),
		facade.WithObserver(func(_ context.Context, ev api.Event) {
			log.Debug("connection event", "event", ev)
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Teardown(); err != nil {
			log.Warn("teardown", "error", err)
		}
		log.Info("client stopped", "stats", client.Stats())
	}()
	if err := client.Start(); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.Facade().ConnectTimeout)
	err = client.WaitEstablished(wctx, cfg.Facade().PollInterval)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}
	log.Info("transport established", "endpoint", endpoint.String())

	session, err := mqtt.NewSession(client, cfg.Session(), func(m mqtt.Message) {
		log.Info("message", "topic", m.Topic, "qos", m.QoS, "payload", string(m.Payload))
	}, log.Logger)
	if err != nil {
		return err
	}
	if err := session.Connect(ctx); err != nil {
		return err
	}
	qos := byte(cfg.MQTT.QoS)
	granted, err := session.Subscribe(ctx, cfg.MQTT.Topic, qos)
	if err != nil {
		return err
	}
	log.Info("subscribed", "topic", cfg.MQTT.Topic, "granted", granted)
	if err := session.Publish(ctx, cfg.MQTT.Topic, []byte(message), qos, false); err != nil {
		return err
	}

	tick := time.NewTicker(cfg.Facade().PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), cfg.Facade().ShutdownTimeout)
			defer cancel()
			return session.Disconnect(dctx)
		case <-client.Done():
			return fmt.Errorf("connection ended: %w", api.ErrClosed)
		case now := <-tick.C:
			if _, err := session.Process(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if err := session.KeepAlive(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
}

// startLoopback serves an in-process broker on an ephemeral port.
func startLoopback(ctx context.Context, log *logging.Logger) (*plain.Peer, error) {
	broker := mqtt.NewBroker(log.Logger)
	peer, err := plain.Listen("127.0.0.1:0", plain.PeerOptions{
		Logger: log.Logger,
		Handler: func(r plain.Replier, id int64, data []byte) {
			reply := func(p []byte) error { return r.Reply(id, p) }
			if err := broker.Feed(r.Remote().String(), data, reply); err != nil {
				log.Warn("broker", "from", r.Remote().String(), "error", err)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := peer.Serve(ctx); err != nil {
			log.Error("loopback peer", "error", err)
		}
	}()
	log.Info("loopback broker listening", "addr", peer.Addr().String())
	return peer, nil
}

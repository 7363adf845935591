// File: config/config.go
// Package config loads the client configuration file.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Values come from defaults, then the YAML file, then environment
// variables named HIOLOAD_MQTT_<KEY>. Durations are whole milliseconds.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-mqtt/api"
	"github.com/momentics/hioload-mqtt/facade"
	"github.com/momentics/hioload-mqtt/logging"
	"github.com/momentics/hioload-mqtt/mqtt"
)

// Config is the root of the configuration file.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Transport TransportConfig `yaml:"transport"`
	Locks     LocksConfig     `yaml:"locks"`
	Reactor   ReactorConfig   `yaml:"reactor"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EndpointConfig names the server.
type EndpointConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	ALPN       string `yaml:"alpn"`
	ServerName string `yaml:"server_name"`
}

// TransportConfig sizes the connection buffers.
type TransportConfig struct {
	ConnectTimeoutMs  int  `yaml:"connect_timeout_ms"`
	NonBlocking       bool `yaml:"non_blocking"`
	MaxFrameSize      int  `yaml:"max_frame_size"`
	RecvRingSize      int  `yaml:"recv_ring_size"`
	SendQueueSize     int  `yaml:"send_queue_size"`
	MaxDatagramSize   int  `yaml:"max_datagram_size"`
	RecvDatagramSize  int  `yaml:"recv_datagram_size"`
	CloseDatagramSize int  `yaml:"close_datagram_size"`
	MinRearmMs        int  `yaml:"min_rearm_ms"`
	IdleRearmMs       int  `yaml:"idle_rearm_ms"`
}

// LocksConfig bounds every guard acquisition.
type LocksConfig struct {
	WriteMs    int `yaml:"write_ms"`
	ReadMs     int `yaml:"read_ms"`
	DriveMs    int `yaml:"drive_ms"`
	ShutdownMs int `yaml:"shutdown_ms"`
}

// ReactorConfig tunes the event loop.
type ReactorConfig struct {
	MaxWatchers    int `yaml:"max_watchers"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// MQTTConfig holds the session parameters.
type MQTTConfig struct {
	ClientID     string `yaml:"client_id"`
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	CleanSession bool   `yaml:"clean_session"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	AckTimeoutMs int    `yaml:"ack_timeout_ms"`
	Topic        string `yaml:"topic"`
	QoS          int    `yaml:"qos"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	fc := facade.DefaultConfig()
	sc := mqtt.DefaultSessionConfig()
	return &Config{
		Endpoint: EndpointConfig{
			Host: "localhost",
			Port: 14567,
			ALPN: api.DefaultALPN,
		},
		Transport: TransportConfig{
			ConnectTimeoutMs:  ms(fc.ConnectTimeout),
			NonBlocking:       fc.NonBlocking,
			MaxFrameSize:      fc.MaxFrameSize,
			RecvRingSize:      fc.RecvRingSize,
			SendQueueSize:     fc.SendQueueSize,
			MaxDatagramSize:   fc.MaxDatagramSize,
			RecvDatagramSize:  fc.RecvDatagramSize,
			CloseDatagramSize: fc.CloseDatagramSize,
			MinRearmMs:        ms(fc.MinRearm),
			IdleRearmMs:       ms(fc.IdleRearm),
		},
		Locks: LocksConfig{
			WriteMs:    ms(fc.WriteLockTimeout),
			ReadMs:     ms(fc.ReadLockTimeout),
			DriveMs:    ms(fc.DriveLockTimeout),
			ShutdownMs: ms(fc.ShutdownTimeout),
		},
		Reactor: ReactorConfig{
			MaxWatchers:    fc.MaxWatchers,
			PollIntervalMs: ms(fc.PollInterval),
		},
		MQTT: MQTTConfig{
			KeepAliveSec: int(sc.KeepAlive / time.Second),
			CleanSession: sc.CleanSession,
			AckTimeoutMs: ms(sc.AckTimeout),
			Topic:        "hioload/demo",
			QoS:          1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("HIOLOAD_MQTT_HOST"); v != "" {
		cfg.Endpoint.Host = v
	}
	if v := os.Getenv("HIOLOAD_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HIOLOAD_MQTT_PORT: %w", err)
		}
		cfg.Endpoint.Port = port
	}
	if v := os.Getenv("HIOLOAD_MQTT_ALPN"); v != "" {
		cfg.Endpoint.ALPN = v
	}
	if v := os.Getenv("HIOLOAD_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("HIOLOAD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("HIOLOAD_MQTT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Endpoint.endpoint().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 0xFFFF {
		errs = append(errs, "mqtt.keep_alive_sec must be between 0 and 65535")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}
	if err := c.Facade().Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (e EndpointConfig) endpoint() api.Endpoint {
	return api.Endpoint{Host: e.Host, Port: e.Port, ALPN: e.ALPN}
}

// Target returns the server endpoint.
func (c *Config) Target() api.Endpoint { return c.Endpoint.endpoint() }

// Facade projects the file onto the client configuration.
func (c *Config) Facade() *facade.Config {
	return &facade.Config{
		ConnectTimeout:    dur(c.Transport.ConnectTimeoutMs),
		NonBlocking:       c.Transport.NonBlocking,
		MaxFrameSize:      c.Transport.MaxFrameSize,
		RecvRingSize:      c.Transport.RecvRingSize,
		SendQueueSize:     c.Transport.SendQueueSize,
		WriteLockTimeout:  dur(c.Locks.WriteMs),
		ReadLockTimeout:   dur(c.Locks.ReadMs),
		DriveLockTimeout:  dur(c.Locks.DriveMs),
		ShutdownTimeout:   dur(c.Locks.ShutdownMs),
		MinRearm:          dur(c.Transport.MinRearmMs),
		IdleRearm:         dur(c.Transport.IdleRearmMs),
		MaxDatagramSize:   c.Transport.MaxDatagramSize,
		RecvDatagramSize:  c.Transport.RecvDatagramSize,
		CloseDatagramSize: c.Transport.CloseDatagramSize,
		MaxWatchers:       c.Reactor.MaxWatchers,
		PollInterval:      dur(c.Reactor.PollIntervalMs),
		ServerName:        c.Endpoint.ServerName,
	}
}

// Session projects the file onto the MQTT session configuration.
func (c *Config) Session() mqtt.SessionConfig {
	sc := mqtt.DefaultSessionConfig()
	sc.ClientID = c.MQTT.ClientID
	sc.KeepAlive = time.Duration(c.MQTT.KeepAliveSec) * time.Second
	sc.CleanSession = c.MQTT.CleanSession
	sc.Username = c.MQTT.Username
	sc.Password = c.MQTT.Password
	sc.AckTimeout = dur(c.MQTT.AckTimeoutMs)
	sc.PollInterval = dur(c.Reactor.PollIntervalMs)
	sc.MaxPacket = c.Transport.RecvRingSize
	return sc
}

// LogOptions projects the file onto the logger options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

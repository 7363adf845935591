package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-mqtt/facade"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  host: "broker.local"
  port: 8883
  alpn: "mqtt"
transport:
  max_frame_size: 1024
  send_queue_size: 4096
locks:
  write_ms: 250
reactor:
  poll_interval_ms: 20
mqtt:
  client_id: "sensor-7"
  keep_alive_sec: 30
  qos: 0
logging:
  level: "debug"
  format: "text"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Endpoint.Host != "broker.local" || cfg.Endpoint.Port != 8883 {
		t.Errorf("endpoint = %+v", cfg.Endpoint)
	}
	fc := cfg.Facade()
	if fc.MaxFrameSize != 1024 || fc.WriteLockTimeout != 250*time.Millisecond || fc.PollInterval != 20*time.Millisecond {
		t.Errorf("facade config = %+v", fc)
	}
	// unset keys keep their defaults
	if fc.ReadLockTimeout != facade.DefaultConfig().ReadLockTimeout || !fc.NonBlocking {
		t.Errorf("defaults lost: %+v", fc)
	}
	sc := cfg.Session()
	if sc.ClientID != "sensor-7" || sc.KeepAlive != 30*time.Second {
		t.Errorf("session config = %+v", sc)
	}
	if cfg.LogOptions().Level != "debug" {
		t.Errorf("log level = %q", cfg.LogOptions().Level)
	}
	if cfg.Target().String() != "broker.local:8883" {
		t.Errorf("target = %s", cfg.Target())
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Facade().Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.ALPN != "mqtt" {
		t.Errorf("alpn = %q", cfg.Endpoint.ALPN)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "endpoint: [unterminated")); err == nil {
		t.Error("Load() expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HIOLOAD_MQTT_HOST", "10.0.0.9")
	t.Setenv("HIOLOAD_MQTT_PORT", "9001")
	t.Setenv("HIOLOAD_MQTT_CLIENT_ID", "from-env")
	t.Setenv("HIOLOAD_MQTT_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "endpoint:\n  host: file-host\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Host != "10.0.0.9" || cfg.Endpoint.Port != 9001 {
		t.Errorf("endpoint = %+v", cfg.Endpoint)
	}
	if cfg.MQTT.ClientID != "from-env" || cfg.Logging.Level != "warn" {
		t.Errorf("overrides not applied: %+v %+v", cfg.MQTT, cfg.Logging)
	}
}

func TestLoad_BadPortFromEnv(t *testing.T) {
	t.Setenv("HIOLOAD_MQTT_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Error("expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty host", func(c *Config) { c.Endpoint.Host = "" }, "endpoint host"},
		{"port range", func(c *Config) { c.Endpoint.Port = 70000 }, "port"},
		{"alpn too long", func(c *Config) { c.Endpoint.ALPN = "mqtt-over-quic-v1" }, "alpn"},
		{"qos", func(c *Config) { c.MQTT.QoS = 2 }, "mqtt.qos"},
		{"frame size", func(c *Config) { c.Transport.MaxFrameSize = 1 }, "max frame size"},
		{"lock timeout", func(c *Config) { c.Locks.DriveMs = 0 }, "lock timeouts"},
		{"watchers", func(c *Config) { c.Reactor.MaxWatchers = 1 }, "max watchers"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/momentics/hioload-mqtt/logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := logging.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONRecordCarriesDefaults(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWithWriter(&buf, logging.Options{Level: "debug"}, "1.2.3").With("component", "test")
	l.Debug("hello", "n", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not json: %v (%q)", err, buf.String())
	}
	if rec["service"] != logging.Service || rec["version"] != "1.2.3" || rec["component"] != "test" {
		t.Fatalf("missing default attrs: %v", rec)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewWithWriter(&buf, logging.Options{Level: "warn", Format: "text"}, "dev")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Fatal("warn record not written")
	}
}

func TestComponentNilFallsBack(t *testing.T) {
	if logging.Component(nil, "x") == nil {
		t.Fatal("nil logger not replaced")
	}
}

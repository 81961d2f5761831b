package webrtc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerFactoryScopesAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewLoggerFactory(logger).NewLogger("ice")
	l.Tracef("dropped %d", 1) // below debug
	l.Warnf("candidate %s failed", "host")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry["scope"] != "ice" {
		t.Errorf("scope = %v, want ice", entry["scope"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["msg"] != "candidate host failed" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

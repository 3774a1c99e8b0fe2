package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, config.LoggerConfig{Level: "info", Format: "json", Service: "moxie"})

	Component(log, "registry").Info("plugin registered", "id", "moxie.filesystem")
	log.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	want := map[string]string{
		"msg":       "plugin registered",
		"service":   "moxie",
		"component": "registry",
		"id":        "moxie.filesystem",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestNewWithWriterTextDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, config.LoggerConfig{Level: "debug"})
	log.Debug("tool executed", "tool", "read_file")

	out := buf.String()
	if !strings.Contains(out, "tool=read_file") || !strings.Contains(out, "source=") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moxie.log")
	log, closer, err := New(config.LoggerConfig{Output: path, Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestNewStdStreams(t *testing.T) {
	for _, out := range []string{"stdout", "stderr", ""} {
		w, closer, err := openOutput(out)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", out, err)
		}
		if w != os.Stdout && w != os.Stderr {
			t.Errorf("openOutput(%q) returned %T", out, w)
		}
		_ = closer()
	}
}

func TestComponentNilLogger(t *testing.T) {
	if Component(nil, "x") == nil {
		t.Error("Component(nil) returned nil")
	}
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/render-queue/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in     string
		want   zapcore.Level
		wantOK bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"", zapcore.InfoLevel, true},
		{"warning", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"verbose", zapcore.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "render-queue.log")

	logger, cleanup, err := New(config.LoggingConfig{LogToFile: true, LogFile: path, Level: "info"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Named("queue").Info("task added")
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "task added") || !strings.Contains(line, "queue") {
		t.Errorf("log file = %q, want message with component name", line)
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	logger, cleanup, err := New(config.LoggingConfig{Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}
}

func TestNewQuiet(t *testing.T) {
	logger, cleanup, err := NewQuiet(config.LoggingConfig{Level: "info"})
	if err != nil {
		t.Fatal(err)
	}
	cleanup()
	if logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("quiet logger without a file should discard everything")
	}

	path := filepath.Join(t.TempDir(), "tui.log")
	logger, cleanup, err = NewQuiet(config.LoggingConfig{LogToFile: true, LogFile: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("dashboard opened")
	cleanup()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "dashboard opened") {
		t.Errorf("log file = %q", data)
	}
}

package plog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"notice", LevelNotice},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.in); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	Debug("debug message")
	Info("info message")
	Notice("notice message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") || strings.Contains(out, "notice message") {
		t.Errorf("messages below warn level were not filtered:\n%s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn/error messages missing from output:\n%s", out)
	}
}

func TestStructuredAttrs(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(slog.LevelDebug)
	defer SetLevel(slog.LevelInfo)

	Info("backup finished", "container", "102", "duration", "3s")

	out := buf.String()
	if !strings.Contains(out, "container=102") {
		t.Errorf("expected structured attribute in output, got:\n%s", out)
	}
}

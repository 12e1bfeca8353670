package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Config{Level: InfoLevel, Format: TextFormat, Output: buf})

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message should not appear when level is Info")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "info message") {
		t.Error("Output should contain the info message")
	}
	if !strings.Contains(output, "[INFO]") {
		t.Error("Output should contain the INFO level")
	}
}

func TestJSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: buf})

	logger.Info("test message", map[string]interface{}{
		"task_id": "task-1",
		"count":   42,
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Message != "test message" {
		t.Errorf("expected message 'test message', got %s", entry.Message)
	}
	if entry.Fields["task_id"] != "task-1" {
		t.Errorf("expected field task_id=task-1, got %v", entry.Fields["task_id"])
	}
	if entry.Fields["count"] != float64(42) {
		t.Errorf("expected field count=42, got %v", entry.Fields["count"])
	}
}

func TestComponent(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: buf}).WithComponent("composer.facade")

	logger.Info("test message")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry.Fields["component"] != "composer.facade" {
		t.Errorf("expected component=composer.facade, got %v", entry.Fields["component"])
	}
}

func TestSanitizeRedactsSensitiveFieldsAndPatterns(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: buf, EnableSanitizing: true})

	logger.Info("auth check", map[string]interface{}{
		"api_key": "sk-abcdefghijklmnopqrstuvwxyz012345",
		"note":    "password=hunter2 in transit",
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry.Fields["api_key"] != "[REDACTED]" {
		t.Errorf("expected api_key field to be redacted by name, got %v", entry.Fields["api_key"])
	}
	if !strings.Contains(entry.Fields["note"].(string), "password=[REDACTED]") {
		t.Errorf("expected inline password pattern redacted, got %v", entry.Fields["note"])
	}
}

func TestSanitizeDisabledPassesThrough(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Config{Level: InfoLevel, Format: JSONFormat, Output: buf, EnableSanitizing: false})

	logger.Info("raw", map[string]interface{}{"token": "plain-value"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if entry.Fields["token"] != "plain-value" {
		t.Errorf("expected sanitizing disabled to pass values through, got %v", entry.Fields["token"])
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLogLevel("nonsense"); err == nil {
		t.Fatal("expected error for invalid level name")
	}
}

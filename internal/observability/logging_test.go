package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{
			name: "json format",
			config: LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: LogConfig{
				Level:  "debug",
				Format: "text",
			},
		},
		{
			name:   "defaults",
			config: LogConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("Logger.logger is nil")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "warn",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")

	if buf.Len() != 0 {
		t.Errorf("expected no output below warn level, got %q", buf.String())
	}

	logger.Warn(ctx, "warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Errorf("warn message not logged: %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		args     []any
		mustMiss []string
	}{
		{
			name:     "anthropic key in message",
			msg:      "failed with key sk-ant-" + strings.Repeat("a", 95),
			mustMiss: []string{"sk-ant-"},
		},
		{
			name:     "invite token in message",
			msg:      "registration used dbot-ABCD-EFGH-JKLM-NPQR",
			mustMiss: []string{"dbot-ABCD"},
		},
		{
			name:     "encrypted blob in args",
			msg:      "stored credential",
			args:     []any{"blob", "srv:" + strings.Repeat("Zm9vYmFy", 8)},
			mustMiss: []string{"srv:Zm9v"},
		},
		{
			name:     "bearer token in error",
			msg:      "request failed",
			args:     []any{"error", errors.New("bearer " + strings.Repeat("x", 32) + " rejected")},
			mustMiss: []string{strings.Repeat("x", 32)},
		},
		{
			name:     "jwt token",
			msg:      "cookie eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.abc123",
			mustMiss: []string{"eyJhbGciOiJIUzI1NiJ9"},
		},
		{
			name:     "sensitive map key",
			msg:      "auth payload",
			args:     []any{"payload", map[string]any{"device_secret": "supersecretvalue", "device_id": "dev-1"}},
			mustMiss: []string{"supersecretvalue"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{
				Level:  "debug",
				Format: "json",
				Output: &buf,
			})

			logger.Info(context.Background(), tt.msg, tt.args...)
			out := buf.String()

			for _, secret := range tt.mustMiss {
				if strings.Contains(out, secret) {
					t.Errorf("output contains secret %q: %s", secret, out)
				}
			}
			if !strings.Contains(out, "[REDACTED]") {
				t.Errorf("output missing redaction marker: %s", out)
			}
		})
	}
}

func TestContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "debug",
		Format: "json",
		Output: &buf,
	})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddTaskID(ctx, "task-456")
	ctx = AddDeviceID(ctx, "dev-789")
	ctx = AddAgentID(ctx, "agent-012")

	logger.Info(ctx, "correlated message")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	for key, want := range map[string]string{
		"request_id": "req-123",
		"task_id":    "task-456",
		"device_id":  "dev-789",
		"agent_id":   "agent-012",
	} {
		if got, ok := record[key].(string); !ok || got != want {
			t.Errorf("record[%q] = %v, want %q", key, record[key], want)
		}
	}
}

func TestGetContextIDs(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" {
		t.Error("GetRequestID on empty context should be empty")
	}
	if GetTaskID(ctx) != "" {
		t.Error("GetTaskID on empty context should be empty")
	}

	ctx = AddRequestID(ctx, "r1")
	ctx = AddTaskID(ctx, "t1")
	ctx = AddAgentID(ctx, "a1")

	if got := GetRequestID(ctx); got != "r1" {
		t.Errorf("GetRequestID() = %q, want r1", got)
	}
	if got := GetTaskID(ctx); got != "t1" {
		t.Errorf("GetTaskID() = %q, want t1", got)
	}
	if got := GetAgentID(ctx); got != "a1" {
		t.Errorf("GetAgentID() = %q, want a1", got)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "debug",
		Format: "json",
		Output: &buf,
	})

	componentLogger := logger.WithFields("component", "gateway")
	componentLogger.Info(context.Background(), "started")

	if !strings.Contains(buf.String(), `"component"`) || !strings.Contains(buf.String(), "gateway") {
		t.Errorf("output missing component field: %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in).String(); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

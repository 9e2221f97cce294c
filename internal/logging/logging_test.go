package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{LevelError, slog.LevelError},
		{"ERROR", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level info, got %s", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format text, got %s", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output stderr, got %s", cfg.Output)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stderr output", func(t *testing.T) {
		logger, err := New(DefaultConfig())
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger.Config().Output != "stderr" {
			t.Errorf("Unexpected output %q", logger.Config().Output)
		}
	})

	t.Run("file output creates directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "portscan.log")
		logger, err := New(Config{Level: LevelInfo, Format: FormatJSON, Output: path})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.Info("hello", "key", "value")

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(content), `"msg":"hello"`) {
			t.Errorf("Expected JSON record in file, got %s", content)
		}
	})

	t.Run("unwritable path", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		if err := os.WriteFile(blocker, nil, 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := New(Config{Output: filepath.Join(blocker, "sub", "x.log")}); err == nil {
			t.Error("Expected an error when the log directory cannot be created")
		}
	})
}

func TestNewWithWriter(t *testing.T) {
	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)

		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message")
		logger.Error("error message")

		output := buf.String()
		if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
			t.Errorf("Messages below warn should be dropped, got %s", output)
		}
		if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
			t.Errorf("Warn and error should be logged, got %s", output)
		}
	})

	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)
		logger.Info("scan finished", "open", 3)

		var record map[string]any
		if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
			t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
		}
		if record["msg"] != "scan finished" {
			t.Errorf("Unexpected msg %v", record["msg"])
		}
		if record["open"] != float64(3) {
			t.Errorf("Unexpected open field %v", record["open"])
		}
	})
}

func TestLoggerWithMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf)

	t.Run("with fields", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("scheduler").WithScanID("abc").WithTarget("10.0.0.1").Info("dispatch")
		output := buf.String()
		for _, want := range []string{"component=scheduler", "scan_id=abc", "target=10.0.0.1", "dispatch"} {
			if !strings.Contains(output, want) {
				t.Errorf("Output should contain %q, got %s", want, output)
			}
		}
	})

	t.Run("with error", func(t *testing.T) {
		buf.Reset()
		logger.WithError(fmt.Errorf("boom")).Warn("probe failed")
		if !strings.Contains(buf.String(), "error=boom") {
			t.Errorf("Expected error field, got %s", buf.String())
		}
	})

	t.Run("with context", func(t *testing.T) {
		buf.Reset()
		ctx := ContextWithScanID(context.Background(), "ctx-scan")
		logger.WithContext(ctx).Info("from context")
		if !strings.Contains(buf.String(), "scan_id=ctx-scan") {
			t.Errorf("Expected scan_id from context, got %s", buf.String())
		}

		buf.Reset()
		logger.WithContext(context.Background()).Info("plain")
		if strings.Contains(buf.String(), "scan_id") {
			t.Errorf("No scan_id expected, got %s", buf.String())
		}
	})

	t.Run("derived loggers keep config", func(t *testing.T) {
		derived := logger.WithComponent("x")
		if derived.Config() != logger.Config() {
			t.Error("Derived logger should carry the parent config")
		}
	})
}

func TestSpecializedLoggingMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf)
	testErr := fmt.Errorf("test error")

	tests := []struct {
		name     string
		log      func()
		expected []string
	}{
		{
			name:     "InfoScan",
			log:      func() { logger.InfoScan("scan started", "127.0.0.1", "ports", 1024) },
			expected: []string{"scan started", "target=127.0.0.1", "ports=1024"},
		},
		{
			name:     "ErrorScan",
			log:      func() { logger.ErrorScan("scan failed", "127.0.0.1", testErr) },
			expected: []string{"scan failed", "target=127.0.0.1", "error=\"test error\""},
		},
		{
			name:     "DebugProbe",
			log:      func() { logger.DebugProbe("probe done", "tcp/127.0.0.1:80", "status", "OPEN") },
			expected: []string{"probe done", "unit=tcp/127.0.0.1:80", "status=OPEN"},
		},
		{
			name:     "InfoDatabase",
			log:      func() { logger.InfoDatabase("migrated", "version", 1) },
			expected: []string{"migrated", "component=database", "version=1"},
		},
		{
			name:     "ErrorDatabase",
			log:      func() { logger.ErrorDatabase("insert failed", testErr) },
			expected: []string{"insert failed", "component=database", "error=\"test error\""},
		},
		{
			name:     "InfoSchedule",
			log:      func() { logger.InfoSchedule("scheduled scan", "nightly") },
			expected: []string{"scheduled scan", "component=schedule", "schedule=nightly"},
		},
		{
			name:     "ErrorSchedule",
			log:      func() { logger.ErrorSchedule("scheduled scan failed", "nightly", testErr) },
			expected: []string{"scheduled scan failed", "schedule=nightly", "error=\"test error\""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			output := buf.String()
			for _, want := range tt.expected {
				if !strings.Contains(output, want) {
					t.Errorf("Output should contain %q, got %s", want, output)
				}
			}
		})
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf))

	testErr := fmt.Errorf("test error")
	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error")
	InfoScan("scan info", "192.168.1.1", "ports", "80,443")
	ErrorScan("scan error", "192.168.1.2", testErr)
	InfoDatabase("database info", "operation", "connect")
	ErrorDatabase("database error", testErr, "query", "SELECT")

	output := buf.String()
	for _, msg := range []string{
		"global debug", "global info", "global warn", "global error",
		"scan info", "scan error", "database info", "database error",
	} {
		if !strings.Contains(output, msg) {
			t.Errorf("Output should contain %q", msg)
		}
	}
}

func TestSetAndGetDefault(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	discard := Discard()
	SetDefault(discard)
	if Default() != discard {
		t.Error("Default should return the logger passed to SetDefault")
	}
}

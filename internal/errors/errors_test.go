package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodePermission,
		CodeNotFound,
		CodeConflict,
		CodeInvalidRange,
		CodeResolution,
		CodeProbeFailed,
		CodeDeadlineExceeded,
		CodeResourceExhausted,
		CodeNetworkUnreachable,
		CodeHostUnreachable,
		CodeDatabaseConnection,
		CodeDatabaseQuery,
		CodeDatabaseMigration,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
		if seen[code] {
			t.Errorf("Error code %s is declared twice", code)
		}
		seen[code] = true
	}
}

func TestScanError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewScanError(CodeProbeFailed, "probe failed")
		if err.Code != CodeProbeFailed {
			t.Errorf("Expected code %s, got %s", CodeProbeFailed, err.Code)
		}
		if err.Message != "probe failed" {
			t.Errorf("Expected message 'probe failed', got '%s'", err.Message)
		}
		if err.Context == nil {
			t.Error("Context should be initialized")
		}
	})

	t.Run("error with target", func(t *testing.T) {
		err := NewScanErrorWithTarget(CodeHostUnreachable, "host down", "192.168.1.1")
		expected := "[HOST_UNREACHABLE] host down (target: 192.168.1.1)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error without target", func(t *testing.T) {
		err := NewScanError(CodeValidation, "validation failed")
		expected := "[VALIDATION] validation failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("network error")
		err := WrapScanError(CodeNetworkUnreachable, "network issue", cause)
		if err.Unwrap() != cause {
			t.Error("Wrapped error should be unwrappable")
		}
		if !errors.Is(err, cause) {
			t.Error("errors.Is should find the cause")
		}
	})

	t.Run("with context", func(t *testing.T) {
		err := NewScanError(CodeTimeout, "timeout occurred")
		err.WithContext("duration", "30s").WithContext("retries", 3)

		if err.Context["duration"] != "30s" {
			t.Errorf("Expected duration '30s', got %v", err.Context["duration"])
		}
		if err.Context["retries"] != 3 {
			t.Errorf("Expected retries 3, got %v", err.Context["retries"])
		}
	})
}

func TestScanErrorConstructors(t *testing.T) {
	tests := []struct {
		name    string
		err     *ScanError
		code    ErrorCode
		message string
	}{
		{"invalid range", ErrInvalidRange("Invalid arguments"), CodeInvalidRange, "Invalid arguments"},
		{"resolution", ErrResolution("nope.invalid", fmt.Errorf("no such host")), CodeResolution, "Invalid host nope.invalid"},
		{"probe", ErrProbe("10.0.0.1:22/tcp", fmt.Errorf("boom")), CodeProbeFailed, "probe failed"},
		{"deadline", ErrDeadlineExceeded("localhost"), CodeDeadlineExceeded, "scan deadline exceeded"},
		{"canceled", ErrCanceled("localhost"), CodeCanceled, "scan cancelled"},
		{"exhausted", ErrResourceExhausted("localhost", fmt.Errorf("too many open files")), CodeResourceExhausted, "resource exhausted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, tt.err.Code)
			}
			if Message(tt.err) != tt.message {
				t.Errorf("Expected message %q, got %q", tt.message, Message(tt.err))
			}
		})
	}
}

func TestDatabaseError(t *testing.T) {
	t.Run("basic database error", func(t *testing.T) {
		err := NewDatabaseError(CodeDatabaseConnection, "connection failed")
		expected := "[DATABASE_CONNECTION] connection failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("database error with operation", func(t *testing.T) {
		err := NewDatabaseError(CodeDatabaseQuery, "query failed")
		err.Operation = "save report"
		expected := "[DATABASE_QUERY] query failed (operation: save report)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("query is attached", func(t *testing.T) {
		cause := fmt.Errorf("syntax error")
		err := ErrDatabaseQuery("SELECT 1", cause)
		if err.Query != "SELECT 1" {
			t.Errorf("Expected query to be recorded, got %q", err.Query)
		}
		if !errors.Is(err, cause) {
			t.Error("Should unwrap to the driver error")
		}
	})
}

func TestConfigError(t *testing.T) {
	err := ErrConfigInvalid("scanning.concurrency", -1)
	expected := "[VALIDATION] Invalid configuration value (field: scanning.concurrency)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
	if Message(err) != "Invalid configuration value: scanning.concurrency" {
		t.Errorf("Unexpected message %q", Message(err))
	}

	missing := ErrConfigMissing("database.host")
	if missing.Code != CodeConfiguration {
		t.Errorf("Expected code %s, got %s", CodeConfiguration, missing.Code)
	}
}

func TestCodeHelpers(t *testing.T) {
	t.Run("IsCode walks wrapped chains", func(t *testing.T) {
		inner := ErrResourceExhausted("localhost", fmt.Errorf("emfile"))
		outer := fmt.Errorf("scheduler: %w", inner)

		if !IsCode(outer, CodeResourceExhausted) {
			t.Error("IsCode should find the code through fmt.Errorf wrapping")
		}
		if IsCode(outer, CodeTimeout) {
			t.Error("IsCode should not match a different code")
		}
		if GetCode(outer) != CodeResourceExhausted {
			t.Errorf("Expected %s, got %s", CodeResourceExhausted, GetCode(outer))
		}
	})

	t.Run("foreign errors", func(t *testing.T) {
		err := context.Canceled
		if GetCode(err) != CodeUnknown {
			t.Errorf("Expected %s, got %s", CodeUnknown, GetCode(err))
		}
		if Message(err) != err.Error() {
			t.Errorf("Expected plain message for foreign error, got %q", Message(err))
		}
		if Message(nil) != "" {
			t.Error("Message(nil) should be empty")
		}
	})

	t.Run("retryable and fatal", func(t *testing.T) {
		if !IsRetryable(NewScanError(CodeTimeout, "t")) {
			t.Error("timeouts should be retryable")
		}
		if IsRetryable(ErrInvalidRange("Invalid arguments")) {
			t.Error("invalid ranges should not be retryable")
		}
		if !IsFatal(ErrResolution("x", nil)) {
			t.Error("resolution failures should be fatal")
		}
		if IsFatal(ErrProbe("x", nil)) {
			t.Error("probe failures should never be fatal")
		}
	})
}

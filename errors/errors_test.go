package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"worker lost", ErrWorkerLost, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"resource exhausted", ErrResourceExhausted, false},
		{"invalid config", ErrInvalidConfig, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"resource exhausted", ErrResourceExhausted, true},
		{"storage full", ErrStorageFull, true},
		{"data corrupted", ErrDataCorrupted, true},
		{"missing config", ErrMissingConfig, true},
		{"worker lost", ErrWorkerLost, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsFatal(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	if !IsInvalid(ErrUnknownObject) {
		t.Error("unknown object should be invalid")
	}
	if !IsInvalid(ErrObjectFreed) {
		t.Error("freed object should be invalid")
	}
	if IsInvalid(ErrWorkerLost) {
		t.Error("worker lost is transient, not invalid")
	}
}

func TestWrap_Format(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "Store", "Get", "remote fetch")
	expected := "Store.Get: remote fetch failed: boom"
	if wrapped.Error() != expected {
		t.Errorf("expected %q, got %q", expected, wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if Wrap(nil, "Store", "Get", "x") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Store", "Get", "fetch")
	if !IsTransient(transient) {
		t.Error("WrapTransient result should be transient")
	}

	fatal := WrapFatal(base, "Store", "Put", "spill")
	if !IsFatal(fatal) {
		t.Error("WrapFatal result should be fatal")
	}

	invalid := WrapInvalid(base, "Table", "AddRef", "unknown id")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid result should be invalid")
	}

	var ce *ClassifiedError
	if !errors.As(transient, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Store" || ce.Operation != "Get" {
		t.Errorf("unexpected component/operation: %s/%s", ce.Component, ce.Operation)
	}
	if !errors.Is(transient, base) {
		t.Error("classification must preserve the error chain")
	}
}

func TestClassify(t *testing.T) {
	if Classify(ErrWorkerLost) != ErrorTransient {
		t.Error("worker lost should classify transient")
	}
	if Classify(ErrResourceExhausted) != ErrorFatal {
		t.Error("resource exhausted should classify fatal")
	}
	if Classify(ErrUnknownObject) != ErrorInvalid {
		t.Error("unknown object should classify invalid")
	}
	// Unknown errors default to transient to allow retry
	if Classify(errors.New("mystery")) != ErrorTransient {
		t.Error("unknown errors should default transient")
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	if !cfg.ShouldRetry(ErrConnectionLost, 0) {
		t.Error("transient error under max retries should retry")
	}
	if cfg.ShouldRetry(ErrConnectionLost, cfg.MaxRetries) {
		t.Error("should not retry at max attempts")
	}
	if cfg.ShouldRetry(ErrInvalidConfig, 0) {
		t.Error("fatal error should not retry")
	}
	if cfg.ShouldRetry(nil, 0) {
		t.Error("nil error should not retry")
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:    2,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 3.0,
	}

	rc := cfg.ToRetryConfig()
	if rc.MaxAttempts != 3 {
		t.Errorf("expected 3 total attempts, got %d", rc.MaxAttempts)
	}
	if rc.InitialDelay != cfg.InitialDelay || rc.MaxDelay != cfg.MaxDelay {
		t.Error("delays should carry over")
	}
	if !rc.AddJitter {
		t.Error("jitter should be enabled")
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_ContextDeadline(t *testing.T) {
	c := Classify(context.DeadlineExceeded)
	if c.Code != CodeTimeout || c.Type != ErrorTypeTransient {
		t.Fatalf("got %+v", c)
	}
}

func TestClassify_ContextCanceled(t *testing.T) {
	c := Classify(context.Canceled)
	if c.Type != ErrorTypePermanent {
		t.Fatalf("expected permanent for explicit cancellation, got %+v", c)
	}
}

func TestClassify_StringPatterns(t *testing.T) {
	tests := []struct {
		msg      string
		wantCode ErrorCode
		wantType ErrorType
	}{
		{"rate limit exceeded", CodeRateLimit, ErrorTypeTransient},
		{"connection refused by host", CodeNetworkError, ErrorTypeTransient},
		{"service unavailable right now", CodeServiceUnavailable, ErrorTypeTransient},
		{"invalid request payload", CodeInvalidRequest, ErrorTypePermanent},
		{"unauthorized access", CodeUnauthorized, ErrorTypePermanent},
	}

	for _, tt := range tests {
		c := Classify(errors.New(tt.msg))
		if c.Code != tt.wantCode || c.Type != tt.wantType {
			t.Errorf("Classify(%q) = {%v %v}, want {%v %v}", tt.msg, c.Code, c.Type, tt.wantCode, tt.wantType)
		}
	}
}

func TestClassify_PassesThroughAlreadyClassified(t *testing.T) {
	original := &ClassifiedError{Code: CodeCircuitOpen, Type: ErrorTypePermanent}
	c := Classify(original)
	if c != original {
		t.Fatalf("expected pass-through of already-classified error, got %+v", c)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("temporary failure, rate limit hit")) {
		t.Fatal("expected rate-limit message to be retryable")
	}
	if IsRetryable(errors.New("invalid argument: missing field")) {
		t.Fatal("expected invalid-argument message to be non-retryable")
	}
}

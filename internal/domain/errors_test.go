package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := E(CodeProviderRateLimit, "remote said slow down")
	if CodeOf(err) != CodeProviderRateLimit {
		t.Errorf("CodeOf lost the tag")
	}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if CodeOf(wrapped) != CodeProviderRateLimit {
		t.Errorf("CodeOf must survive wrapping")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Errorf("untagged error should yield empty code")
	}
}

func TestRetryableTagged(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{CodeProviderTimeout, true},
		{CodeProvider5xx, true},
		{CodeProviderRateLimit, true},
		{CodeTokenInvalid, false},
		{CodeScopeInsufficient, false},
		{CodeAllProvidersFailed, false},
		{CodeInvalidParameter, false},
		{CodePromptInjection, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("wrap: %w", E(tt.code, "x"))
		if got := Retryable(err); got != tt.retryable {
			t.Errorf("Retryable(%s) = %v, want %v", tt.code, got, tt.retryable)
		}
	}
}

func TestRetryableLegacyFragments(t *testing.T) {
	retryable := []string{
		"dial tcp: i/o timeout",
		"upstream timed out",
		"read: connection reset by peer",
		"connect: connection refused",
		"service temporarily unavailable",
		"unexpected status 503",
		"HTTP 429 Too Many Requests",
		"rate limit hit",
	}
	for _, msg := range retryable {
		if !Retryable(errors.New(msg)) {
			t.Errorf("expected retryable for %q", msg)
		}
	}
	terminal := []string{
		"invalid api key",
		"json: cannot unmarshal",
		"unexpected status 401",
	}
	for _, msg := range terminal {
		if Retryable(errors.New(msg)) {
			t.Errorf("expected terminal for %q", msg)
		}
	}
}

func TestRetryableTagBeatsMessage(t *testing.T) {
	// A tagged terminal error whose message mentions a retryable fragment is
	// still terminal; the tag is authoritative.
	err := E(CodeTokenInvalid, "provider returned 503 while validating token")
	if Retryable(err) {
		t.Errorf("tag must override message fragments")
	}
}

func TestRetryableContextErrors(t *testing.T) {
	if !Retryable(fmt.Errorf("call: %w", context.DeadlineExceeded)) {
		t.Errorf("deadline exceeded should be retryable")
	}
	if Retryable(fmt.Errorf("call: %w", context.Canceled)) {
		t.Errorf("cancellation must not be retried")
	}
	if Retryable(nil) {
		t.Errorf("nil is not retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := WrapCode(CodeProvider5xx, "remote failure", base)
	if !errors.Is(err, base) {
		t.Errorf("Unwrap chain broken")
	}
	if err.Error() == "" {
		t.Errorf("empty error string")
	}
}

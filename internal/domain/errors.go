package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Plumbing sentinels used by repositories and adapters.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

// ErrorCode is the machine-readable error tag surfaced in the API envelope.
// The dispatch retry classifier keys off this tag exclusively; string matching
// on messages is a fallback for untagged errors only.
type ErrorCode string

const (
	// Credential
	CodeTokenMissing     ErrorCode = "TOKEN_MISSING"
	CodeTokenInvalid     ErrorCode = "TOKEN_INVALID"
	CodeTokenExpired     ErrorCode = "TOKEN_EXPIRED"
	CodeTokenRevoked     ErrorCode = "TOKEN_REVOKED"
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"

	// Authorization
	CodeScopeInsufficient ErrorCode = "SCOPE_INSUFFICIENT"
	CodeTenantMismatch    ErrorCode = "TENANT_MISMATCH"

	// Admission
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	CodeCostCapExceeded   ErrorCode = "COST_CAP_EXCEEDED"

	// Validation
	CodeClaimMissing     ErrorCode = "CLAIM_MISSING"
	CodeClaimInvalid     ErrorCode = "CLAIM_INVALID"
	CodePayloadTooLarge  ErrorCode = "payload_too_large"
	CodeInvalidParameter ErrorCode = "invalid_parameter"

	// Dispatch (worker-retryable)
	CodeProviderTimeout   ErrorCode = "provider_timeout"
	CodeProvider5xx       ErrorCode = "provider_5xx"
	CodeProviderRateLimit ErrorCode = "provider_rate_limit"

	// Exhaustion
	CodeAllProvidersFailed ErrorCode = "all_providers_failed"
	CodeDeadLetter         ErrorCode = "dead_letter"

	// Overload
	CodeQueueFull ErrorCode = "queue_full"

	// Orchestration
	CodePromptInjection ErrorCode = "prompt_injection_detected"
	CodeHallucination   ErrorCode = "hallucination_suspected"
	CodeRetrievalEmpty  ErrorCode = "retrieval_empty"

	CodeInternal ErrorCode = "internal"
)

// Error carries an ErrorCode through wrap chains without losing it.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a tagged error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef constructs a tagged error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCode tags an underlying error with a code.
func WrapCode(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the innermost tag, or "" for untagged errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// retryableCodes enumerates the dispatch-retryable classifications: remote
// 502/503/504, remote 429, connection-level timeouts, and explicit provider
// "temporarily unavailable" (tagged provider_5xx by adapters).
var retryableCodes = map[ErrorCode]bool{
	CodeProviderTimeout:   true,
	CodeProvider5xx:       true,
	CodeProviderRateLimit: true,
}

// legacyRetryableFragments matches untagged errors only. Tagged errors are
// classified by code alone.
var legacyRetryableFragments = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"502",
	"503",
	"504",
	"rate limit",
	"too many requests",
	"429",
}

// Retryable reports whether the dispatch core may retry after err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if code := CodeOf(err); code != "" {
		return retryableCodes[code]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range legacyRetryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

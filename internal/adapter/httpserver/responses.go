package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForCode maps machine codes to HTTP statuses. Unknown codes read as
// internal errors.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeTokenMissing, domain.CodeTokenInvalid, domain.CodeTokenExpired,
		domain.CodeTokenRevoked, domain.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case domain.CodeScopeInsufficient, domain.CodeTenantMismatch:
		return http.StatusForbidden
	case domain.CodeRateLimitExceeded, domain.CodeQuotaExceeded, domain.CodeCostCapExceeded:
		return http.StatusTooManyRequests
	case domain.CodeClaimMissing, domain.CodeClaimInvalid, domain.CodeInvalidParameter:
		return http.StatusBadRequest
	case domain.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CodeProviderTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeProvider5xx, domain.CodeAllProvidersFailed, domain.CodeDeadLetter:
		return http.StatusBadGateway
	case domain.CodeProviderRateLimit, domain.CodeQueueFull:
		return http.StatusServiceUnavailable
	case domain.CodePromptInjection, domain.CodeHallucination, domain.CodeRetrievalEmpty:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError renders the error envelope. Tagged errors map through their
// code; untagged plumbing sentinels get a generic classification.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code := domain.CodeOf(err)
	status := 0
	switch {
	case code != "":
		status = statusForCode(code)
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, domain.CodeInvalidParameter
	default:
		status, code = http.StatusInternalServerError, domain.CodeInternal
	}
	if status >= 500 {
		LoggerFrom(r).Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    string(code),
		Message: errorMessage(err),
		Details: details,
	}})
}

// errorMessage strips the code prefix domain.Error stamps on Error() so the
// envelope does not repeat it next to the code field.
func errorMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

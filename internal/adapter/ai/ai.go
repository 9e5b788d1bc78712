// Package ai holds the provider adapters behind the dispatch router. Each
// provider is a narrow HTTP client: it speaks the remote schema, maps response
// statuses onto the dispatch error taxonomy, and nothing more. Retry,
// fallback, and circuit breaking live in the dispatch layer.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// NewHTTPClient returns a trace-instrumented client for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// StatusError maps a non-2xx provider response onto domain codes: 429 is rate
// limiting, 5xx is a server fault, anything else is terminal for this
// provider and stays untagged.
func StatusError(name, op string, status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.Ef(domain.CodeProviderRateLimit, "%s %s: status 429", name, op)
	case status >= 500:
		return domain.Ef(domain.CodeProvider5xx, "%s %s: status %d", name, op, status)
	default:
		return fmt.Errorf("%s %s: status %d: %s", name, op, status, Snippet(body, 256))
	}
}

// TransportError tags context deadline expiry as a provider timeout; other
// transport failures pass through untagged.
func TransportError(name, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapCode(domain.CodeProviderTimeout, fmt.Sprintf("%s %s timed out", name, op), err)
	}
	return fmt.Errorf("%s %s: %w", name, op, err)
}

// Snippet clips a response body for log and error text.
func Snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}

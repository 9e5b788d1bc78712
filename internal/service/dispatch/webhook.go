package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-request-router/internal/domain"
)

// WebhookNotifier delivers terminal job results to caller-supplied URLs.
// Delivery is best effort: failures are logged and never feed back into the
// job lifecycle.
type WebhookNotifier struct {
	hc     *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		hc:     &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify POSTs the result as JSON, retrying transient failures for up to
// 30 seconds.
func (n *WebhookNotifier) Notify(ctx context.Context, url string, res *domain.JobResult) {
	body, err := json.Marshal(res)
	if err != nil {
		n.logger.Error("webhook marshal failed", slog.String("job_id", res.JobID), slog.Any("error", err))
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 30 * time.Second

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("url", url),
			slog.String("job_id", res.JobID),
			slog.Any("error", err),
		)
		return
	}
	n.logger.Debug("webhook delivered", slog.String("url", url), slog.String("job_id", res.JobID))
}

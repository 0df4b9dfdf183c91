package registry

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

const (
	// DefaultHTTPTimeout bounds every registry call.
	DefaultHTTPTimeout = 30 * time.Second

	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// withRetry runs op up to maxAttempts times with exponential backoff.
// Only transient errors are retried; a rate-limit error with an
// upstream Retry-After sleeps for exactly that long instead of the
// computed backoff.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<(attempt-1))
			if after := apperr.RetryAfter(lastErr); after > 0 {
				backoff = time.Duration(after) * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !apperr.IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// statusErr maps a non-2xx registry response onto the error taxonomy.
// The body is read for the message but capped to keep log lines sane.
func statusErr(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return apperr.RateLimited(after, "%s: registry returned 429: %s", operation, body)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindUpstreamAuth, "%s: registry returned %d: %s", operation, resp.StatusCode, body)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound("%s: registry returned 404: %s", operation, body)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindTransient, "%s: registry returned %d: %s", operation, resp.StatusCode, body)
	default:
		return apperr.New(apperr.KindUnknown, "%s: registry returned %d: %s", operation, resp.StatusCode, body)
	}
}

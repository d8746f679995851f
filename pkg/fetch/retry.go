package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// RetryPolicy drives exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// backoff returns the wait before the given retry attempt (1-based), with +/-10% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	return max(delay, 0)
}

// doWithRetry performs a GET and retries network errors, 5xx and 429 responses.
// A 2xx response is returned open; any other outcome returns an error with the
// body already closed. Context errors are never retried.
func (f *Fetcher) doWithRetry(ctx context.Context, rawURL string, policy RetryPolicy) (*http.Response, error) {
	reqLog := f.log.WithField("url", rawURL)
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "delay": wait}).Debug("Retrying request")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Debugf("Network error: %v", err)
			lastErr = err
			continue
		}

		statusErr := statusError(resp)
		if statusErr == nil {
			return resp, nil
		}
		drain(resp)
		if !retryable(resp.StatusCode) {
			return nil, statusErr
		}
		lastErr = statusErr
	}

	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

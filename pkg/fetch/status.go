package fetch

import (
	"fmt"
	"net/http"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// statusError maps a non-2xx response to the matching sentinel. It returns nil for 2xx.
func statusError(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, code, resp.Status)
	case code >= 400:
		return fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, code, resp.Status)
	default:
		return fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, code, resp.Status)
	}
}

// retryable reports whether a status is worth another attempt (5xx and 429).
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

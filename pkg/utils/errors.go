package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---.
var (
	ErrRetryFailed      = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError  = errors.New("client HTTP error (4xx)")          // Wraps original error/status
	ErrServerHTTPError  = errors.New("server HTTP error (5xx)")          // Wraps original error/status
	ErrOtherHTTPError   = errors.New("other HTTP error (non-2xx)")       // Wraps original error/status
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrParsing          = errors.New("parsing error")  // Wraps specific parsing error (HTML, URL, JSON)
	ErrDatabase         = errors.New("database error") // Wraps badger errors
	ErrNotFound         = errors.New("record not found")
	ErrSemaphoreTimeout = errors.New("timeout acquiring semaphore")
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
	ErrContentTooShort  = errors.New("page content below minimum length")
	ErrExtraction       = errors.New("extraction backend error")
	ErrMissingStructure = errors.New("structure not found for job")
	ErrMissingOwner     = errors.New("no owner could be resolved for job")
	ErrTaskTerminal     = errors.New("task already in a terminal state")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrActiveTask       = errors.New("job already has an active task")
	ErrQueue            = errors.New("task queue error")
	ErrInvalidJob       = errors.New("invalid job request")
)

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrRetryFailed):
		if err == ErrRetryFailed {
			return "RetryFailed_Unknown"
		}
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		if networkCategory := categorizeNetworkMessage(err.Error()); networkCategory != "" {
			return "RetryFailed_" + networkCategory
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		for _, code := range []string{"404", "403", "401", "429"} {
			if strings.Contains(errMsg, " "+code+" ") {
				return "HTTP_" + code
			}
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrContentTooShort):
		return "Content_TooShort"
	case errors.Is(err, ErrExtraction):
		return "Extraction_Backend"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrMissingStructure):
		return "Task_MissingStructure"
	case errors.Is(err, ErrMissingOwner):
		return "Task_MissingOwner"
	case errors.Is(err, ErrTaskTerminal):
		return "Task_Terminal"
	case errors.Is(err, ErrInvalidState):
		return "Task_InvalidTransition"
	case errors.Is(err, ErrActiveTask):
		return "Task_Active"
	case errors.Is(err, ErrNotFound):
		return "Database_NotFound"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrQueue):
		return "Queue_Other"
	case errors.Is(err, ErrInvalidJob):
		return "Job_Invalid"
	case errors.Is(err, ErrSemaphoreTimeout):
		return "Resource_SemaphoreTimeout"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if strings.Contains(err.Error(), "semaphore") {
			return "Resource_SemaphoreTimeout"
		}
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	if networkCategory := categorizeNetworkMessage(err.Error()); networkCategory != "" {
		return "Network_" + networkCategory
	}

	return "Unknown"
}

// categorizeNetworkMessage inspects an error message for well-known network failure substrings.
func categorizeNetworkMessage(errMsg string) string {
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return "Timeout"
	case strings.Contains(lower, "connection refused"):
		return "ConnectionRefused"
	case strings.Contains(lower, "no such host"):
		return "DNSLookup"
	case strings.Contains(lower, "tls"), strings.Contains(lower, "certificate"):
		return "TLS"
	case strings.Contains(lower, "reset by peer"):
		return "ConnectionReset"
	case strings.Contains(lower, "broken pipe"):
		return "BrokenPipe"
	}
	return ""
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"csec-tutor-engine/internal/tier"
)

// StatusError is a non-2xx upstream reply. It unwraps to the tier fault
// class of its status code.
type StatusError struct {
	Model      string
	Status     int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llmclient: upstream %d for %s: %s (%s)", e.Status, e.Model, e.Message, e.Type)
	}
	return fmt.Sprintf("llmclient: upstream %d for %s: %s", e.Status, e.Model, e.Message)
}

func (e *StatusError) Unwrap() error {
	return faultForStatus(e.Status)
}

// faultForStatus maps an upstream HTTP status onto a tier sentinel.
func faultForStatus(status int) error {
	switch {
	case status == http.StatusPaymentRequired: // 402
		return tier.ErrQuotaExhausted
	case shouldRetryStatus(status):
		return tier.ErrTransient
	default:
		return tier.ErrTerminal
	}
}

// shouldRetryStatus returns true if the HTTP status code indicates
// another model may still answer.
func shouldRetryStatus(status int) bool {
	switch {
	case status == 0:
		// No response received (network error)
		return true
	case status == http.StatusTooManyRequests: // 429
		return true
	case status == http.StatusRequestTimeout: // 408
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// classifyTransportError tags an error from http.Client.Do. Cancellation of
// the caller's context is returned untouched so the resolver stops walking.
func classifyTransportError(parent context.Context, err error) error {
	if parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTransientNetError(err) {
		return tier.Transient(fmt.Errorf("llmclient: %w", err))
	}
	return tier.Transient(fmt.Errorf("llmclient: transport: %w", err))
}

// isTransientNetError reports whether a network error is a temporary
// upstream condition.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Wrapped errors sometimes only survive as text.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// parseRetryAfter extracts the delay from a Retry-After header, as seconds
// or an HTTP date. Returns 0 if the header is missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	const maxRetryAfter = 5 * time.Minute

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		if seconds > 0 {
			d := time.Duration(seconds) * time.Second
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(t)
		if duration > 0 {
			if duration > maxRetryAfter {
				duration = maxRetryAfter
			}
			return duration
		}
	}

	return 0
}

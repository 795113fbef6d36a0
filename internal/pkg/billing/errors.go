package billing

import (
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidPayload marks a webhook body that can never be processed.
	ErrInvalidPayload = errors.New("billing: invalid webhook payload")
	// ErrProviderLookup marks a failed call to a provider API.
	ErrProviderLookup = errors.New("billing: provider lookup failed")
	// ErrUnsupportedProvider is returned for providers without a normalizer.
	ErrUnsupportedProvider = errors.New("billing: unsupported provider")
	// ErrWebhookNotRetryable is returned when a manual retry targets a row
	// that is not failed or ignored, or changed state meanwhile.
	ErrWebhookNotRetryable = errors.New("billing: webhook event not retryable")
)

// ProviderError carries the HTTP status of a failed provider call.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: status=%d %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return ErrProviderLookup
}

var (
	retryableStatus    = map[int]bool{408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true}
	nonRetryableStatus = map[int]bool{400: true, 401: true, 403: true, 404: true, 409: true, 410: true, 422: true}
)

// IsRetryable decides whether a failed inbox event should be tried again.
// Unknown failures are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupportedProvider) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if retryableStatus[pe.StatusCode] || pe.StatusCode >= 500 {
			return true
		}
		if nonRetryableStatus[pe.StatusCode] {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

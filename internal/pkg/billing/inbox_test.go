package billing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	cfg := DefaultInboxConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{10, 512 * 30 * time.Second},
		{11, 6 * time.Hour},
		{40, 6 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid payload", fmt.Errorf("decode: %w", ErrInvalidPayload), false},
		{"unsupported provider", ErrUnsupportedProvider, false},
		{"rate limited", &ProviderError{Provider: "stripe", StatusCode: 429}, true},
		{"too early", &ProviderError{Provider: "stripe", StatusCode: 425}, true},
		{"server error", &ProviderError{Provider: "stripe", StatusCode: 503}, true},
		{"not found", &ProviderError{Provider: "stripe", StatusCode: 404}, false},
		{"unprocessable", fmt.Errorf("lookup: %w", &ProviderError{Provider: "stripe", StatusCode: 422}), false},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestProviderErrorIsLookupError(t *testing.T) {
	err := fmt.Errorf("resolve customer: %w", &ProviderError{Provider: "stripe", Op: "customer", StatusCode: 500})
	assert.ErrorIs(t, err, ErrProviderLookup)
}

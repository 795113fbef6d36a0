package billing

import (
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// InboxConfig tunes webhook inbox retries and sweeping.
type InboxConfig struct {
	MaxAttempts    int
	RetryBase      time.Duration
	RetryCap       time.Duration
	SweepBatchSize int
	StaleEnqueued  time.Duration
}

func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		MaxAttempts:    12,
		RetryBase:      30 * time.Second,
		RetryCap:       6 * time.Hour,
		SweepBatchSize: 100,
		StaleEnqueued:  5 * time.Minute,
	}
}

func InboxConfigFromEnv() InboxConfig {
	def := DefaultInboxConfig()
	return InboxConfig{
		MaxAttempts:    env.GetEnvInt("WEBHOOK_INBOX_MAX_ATTEMPTS", def.MaxAttempts),
		RetryBase:      env.GetEnvMillis("WEBHOOK_INBOX_RETRY_BASE_MS", def.RetryBase),
		RetryCap:       env.GetEnvMillis("WEBHOOK_INBOX_RETRY_CAP_MS", def.RetryCap),
		SweepBatchSize: env.GetEnvInt("WEBHOOK_INBOX_SWEEP_BATCH_SIZE", def.SweepBatchSize),
		StaleEnqueued:  env.GetEnvMillis("WEBHOOK_INBOX_STALE_ENQUEUED_MS", def.StaleEnqueued),
	}
}

// Backoff returns base * 2^(attempt-1), capped.
func (c InboxConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.RetryCap {
			return c.RetryCap
		}
	}
	if delay > c.RetryCap {
		return c.RetryCap
	}
	return delay
}

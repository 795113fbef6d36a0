package lifecycle

import (
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// DunningConfig controls what happens to access after a failed renewal.
// When enabled, access stays on while the provider retries the charge.
type DunningConfig struct {
	Enabled bool
}

func DunningConfigFromEnv() DunningConfig {
	return DunningConfig{Enabled: env.GetEnvBool("DUNNING_ENABLED", false)}
}

var dunningStages = []int{14, 7, 3, 1}

// ComputeDunningStage buckets the days since a payment first failed into the
// reminder stages 0, 1, 3, 7 and 14. Returns nil for timestamps in the future.
func ComputeDunningStage(failedAt, now time.Time) *int {
	elapsed := now.Sub(failedAt)
	if elapsed < 0 {
		return nil
	}
	days := int(elapsed / (24 * time.Hour))
	stage := 0
	for _, s := range dunningStages {
		if days >= s {
			stage = s
			break
		}
	}
	return &stage
}

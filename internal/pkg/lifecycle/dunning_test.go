package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDunningStage(t *testing.T) {
	now := time.Date(2026, 6, 20, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"same instant", 0, 0},
		{"one second", time.Second, 0},
		{"just under a day", day - time.Second, 0},
		{"one day", day, 1},
		{"two days", 2 * day, 1},
		{"three days", 3 * day, 3},
		{"six days", 6 * day, 3},
		{"seven days", 7 * day, 7},
		{"thirteen days", 13 * day, 7},
		{"fourteen days", 14 * day, 14},
		{"sixty days", 60 * day, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDunningStage(now.Add(-tt.elapsed), now)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}

	assert.Nil(t, ComputeDunningStage(now.Add(time.Minute), now))
}

func TestDunningConfigFromEnv(t *testing.T) {
	t.Setenv("DUNNING_ENABLED", "true")
	assert.True(t, DunningConfigFromEnv().Enabled)
	t.Setenv("DUNNING_ENABLED", "")
	assert.False(t, DunningConfigFromEnv().Enabled)
}

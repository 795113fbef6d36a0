package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig([]string{"payments", "--apply", "--days", "30", "--since", "2026-05-01", "--providers", "oxxo,pp", "--limit", "10"})
	require.NoError(t, err)
	assert.Equal(t, commandPayments, cfg.Command)
	assert.True(t, cfg.Options.Apply)
	assert.Equal(t, 30, cfg.Options.Days)
	assert.Equal(t, 10, cfg.Options.Limit)
	require.NotNil(t, cfg.Options.Since)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), *cfg.Options.Since)
	assert.Nil(t, cfg.Options.Until)
	assert.Equal(t, []string{"paypal", "stripe"}, cfg.Options.Providers)
	assert.False(t, cfg.ReportS3)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("BACKFILL_BATCH_SIZE", "500")
	t.Setenv("BACKFILL_APPLY", "true")

	cfg, err := loadConfig([]string{"trials"})
	require.NoError(t, err)
	assert.Equal(t, commandTrials, cfg.Command)
	assert.Equal(t, 500, cfg.Options.BatchSize)
	assert.True(t, cfg.Options.Apply)
}

func TestLoadConfigDefaultsToAll(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, commandAll, cfg.Command)
	assert.False(t, cfg.Options.Apply)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"refunds"}},
		{"bad date", []string{"--since", "yesterday"}},
		{"bad provider", []string{"--providers", "venmo"}},
		{"unknown flag", []string{"--force"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.args)
			assert.Error(t, err)
		})
	}
}

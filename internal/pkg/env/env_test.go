package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"WORKERS":     "8",
		"BAD_WORKERS": "eight",
		"DUNNING":     "yes",
		"OFF":         "off",
		"RETRY_MS":    "1500",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 8, GetEnvInt("WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("BAD_WORKERS", 3))
	assert.Equal(t, 3, GetEnvInt("MISSING", 3))

	assert.True(t, GetEnvBool("DUNNING", false))
	assert.False(t, GetEnvBool("OFF", true))
	assert.True(t, GetEnvBool("MISSING", true))

	assert.Equal(t, 1500*time.Millisecond, GetEnvMillis("RETRY_MS", time.Second))
	assert.Equal(t, time.Second, GetEnvMillis("MISSING", time.Second))
}

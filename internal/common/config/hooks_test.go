package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type periods struct {
	RetryPeriod  time.Duration
	RetainPeriod time.Duration
	Interval     time.Duration
	Channels     []string
}

func TestCustomHooks(t *testing.T) {
	v := viper.New()
	v.Set("retryPeriod", "1d")
	v.Set("retainPeriod", "2w")
	v.Set("interval", "1500ms")
	v.Set("channels", "H%,BH_")

	var p periods
	require.NoError(t, v.Unmarshal(&p, CustomHooks...))

	assert.Equal(t, 24*time.Hour, p.RetryPeriod)
	assert.Equal(t, 14*24*time.Hour, p.RetainPeriod)
	assert.Equal(t, 1500*time.Millisecond, p.Interval)
	assert.Equal(t, []string{"H%", "BH_"}, p.Channels)
}

func TestCustomHooks_InvalidPeriod(t *testing.T) {
	v := viper.New()
	v.Set("retryPeriod", "whenever")

	var p periods
	assert.Error(t, v.Unmarshal(&p, CustomHooks...))
}

type validated struct {
	MaxWorkers int    `validate:"gte=2"`
	OutputDir  string `validate:"required"`
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(validated{MaxWorkers: 10, OutputDir: "/var/lib/STP"}))

	err := Validate(validated{MaxWorkers: 1})
	require.Error(t, err)
	LogValidationErrors(err)
}

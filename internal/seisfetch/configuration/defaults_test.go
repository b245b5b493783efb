package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pieqf/seisfetch/internal/common"
)

func TestDefaultConfigurationIsValid(t *testing.T) {
	var config SeisfetchConfiguration
	common.LoadConfig(&config, "../../../config/seisfetch", nil)

	require.NoError(t, ValidateSeisfetchConfiguration(config))
	assert.Equal(t, uint16(9000), config.MetricsPort)
	assert.Equal(t, "/var/lib/STP", config.OutputDir)
	assert.Equal(t, "scedc", config.Peer.NetworkGroups["ci"])
	assert.Equal(t, 10, config.Scheduling.MaxWorkers)
	assert.Equal(t, 15*time.Minute, config.Scheduling.StuckSessionTimeout)
	assert.Equal(t, 30*24*time.Hour, config.Scheduling.RetainPeriod)
	assert.Equal(t, 24*time.Hour, config.Retrieval.RetryWindow)
	assert.Equal(t, 30*time.Second, config.Retrieval.ShortRetryDelay)
	assert.Equal(t, []string{"H%"}, config.Retrieval.Channels)
	assert.Equal(t, []string{"le", "re", "ts"}, config.Retrieval.EarthquakeTypes)
}

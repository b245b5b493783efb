package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfiguration() SeisfetchConfiguration {
	return SeisfetchConfiguration{
		OutputDir: "/var/lib/STP",
		Logging:   LoggingConfiguration{Level: "info", Format: "text"},
		Peer: PeerConfiguration{
			Executable:    "stp",
			NetworkGroups: map[string]string{"CI": "scedc", "NC": "ncedc"},
			Format:        "sac",
		},
		Catalog: CatalogConfiguration{Path: "catalog.yaml", PollInterval: 5 * time.Second},
		Scheduling: SchedulingConfiguration{
			MaxWorkers:          10,
			AdmissionDivisor:    2,
			MinBatchBase:        2,
			MinBatchPerWorker:   2,
			ReaperInterval:      time.Second,
			StuckSessionTimeout: 15 * time.Minute,
			ShutdownGracePeriod: 2 * time.Second,
			EventWaitTimeout:    time.Second,
			RetainPeriod:        30 * 24 * time.Hour,
		},
		Retrieval: RetrievalConfiguration{
			NumStations:     3,
			Channels:        []string{"H%"},
			RetryWindow:     24 * time.Hour,
			ShortRetryDelay: 30 * time.Second,
			LongRetryDelay:  5 * time.Minute,
			EarthquakeTypes: []string{"le", "re", "ts"},
		},
	}
}

func TestValidateSeisfetchConfiguration_Valid(t *testing.T) {
	assert.NoError(t, ValidateSeisfetchConfiguration(validConfiguration()))
}

func TestValidateSeisfetchConfiguration_NegativeRetainPeriodIsAllowed(t *testing.T) {
	config := validConfiguration()
	config.Scheduling.RetainPeriod = -time.Hour
	assert.NoError(t, ValidateSeisfetchConfiguration(config))
}

func TestValidateSeisfetchConfiguration_Invalid(t *testing.T) {
	tests := map[string]func(config *SeisfetchConfiguration){
		"missing output dir":     func(c *SeisfetchConfiguration) { c.OutputDir = "" },
		"too few workers":        func(c *SeisfetchConfiguration) { c.Scheduling.MaxWorkers = 1 },
		"no networks":            func(c *SeisfetchConfiguration) { c.Peer.NetworkGroups = nil },
		"empty server group":     func(c *SeisfetchConfiguration) { c.Peer.NetworkGroups["CI"] = "" },
		"no channels":            func(c *SeisfetchConfiguration) { c.Retrieval.Channels = nil },
		"invalid channel":        func(c *SeisfetchConfiguration) { c.Retrieval.Channels = []string{"HH"} },
		"invalid format":         func(c *SeisfetchConfiguration) { c.Peer.Format = "wav" },
		"invalid log format":     func(c *SeisfetchConfiguration) { c.Logging.Format = "xml" },
		"zero reaper interval":   func(c *SeisfetchConfiguration) { c.Scheduling.ReaperInterval = 0 },
		"zero stations":          func(c *SeisfetchConfiguration) { c.Retrieval.NumStations = 0 },
		"no earthquake types":    func(c *SeisfetchConfiguration) { c.Retrieval.EarthquakeTypes = []string{} },
		"missing catalog":        func(c *SeisfetchConfiguration) { c.Catalog.Path = "" },
		"missing peer":           func(c *SeisfetchConfiguration) { c.Peer.Executable = "" },
		"zero admission divisor": func(c *SeisfetchConfiguration) { c.Scheduling.AdmissionDivisor = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			config := validConfiguration()
			mutate(&config)
			assert.Error(t, ValidateSeisfetchConfiguration(config))
		})
	}
}

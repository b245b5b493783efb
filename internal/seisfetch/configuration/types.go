package configuration

import (
	"time"
)

type LoggingConfiguration struct {
	Level  string `validate:"required"`
	Format string `validate:"omitempty,oneof=text json"`
}

// PeerConfiguration describes how to run the stp client.
type PeerConfiguration struct {
	Executable string `validate:"required"`
	// Maps network codes onto the server group to connect to, e.g. CI: scedc.
	NetworkGroups  map[string]string `validate:"required,min=1"`
	Verbose        bool
	Format         string
	GainCorrection *bool
	EchoOutput     bool
}

type CatalogConfiguration struct {
	Path          string        `validate:"required"`
	BlacklistPath string
	PollInterval  time.Duration `validate:"gte=0"`
}

type SchedulingConfiguration struct {
	MaxWorkers int `validate:"gte=2"`
	// Above MaxWorkers/AdmissionDivisor active workers, a batch needs at least
	// MinBatchBase + MinBatchPerWorker*(active - MaxWorkers/AdmissionDivisor) events.
	AdmissionDivisor    int           `validate:"gte=1"`
	MinBatchBase        int           `validate:"gte=1"`
	MinBatchPerWorker   int           `validate:"gte=0"`
	ReaperInterval      time.Duration `validate:"gt=0"`
	StuckSessionTimeout time.Duration `validate:"gt=0"`
	ShutdownGracePeriod time.Duration `validate:"gte=0"`
	EventWaitTimeout    time.Duration `validate:"gt=0"`
	// Directories of events that left the catalog are removed once older than this. Negative disables removal.
	RetainPeriod time.Duration
}

type RetrievalConfiguration struct {
	NumStations     int           `validate:"gte=1"`
	Channels        []string      `validate:"required,min=1"`
	RetryWindow     time.Duration `validate:"gt=0"`
	ShortRetryDelay time.Duration `validate:"gt=0"`
	LongRetryDelay  time.Duration `validate:"gt=0"`
	EarthquakeTypes []string      `validate:"required,min=1"`
	AvailabilityTTL time.Duration `validate:"gte=0"`
}

type SeisfetchConfiguration struct {
	MetricsPort uint16
	OutputDir   string `validate:"required"`
	Logging     LoggingConfiguration
	Peer        PeerConfiguration
	Catalog     CatalogConfiguration
	Scheduling  SchedulingConfiguration
	Retrieval   RetrievalConfiguration
}

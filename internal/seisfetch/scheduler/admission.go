package scheduler

import "github.com/pieqf/seisfetch/internal/seisfetch/metrics"

// admit decides whether a batch of batchSize new events may start a worker while active workers are running.
// Below half capacity any non-empty batch is accepted. From half capacity on, a batch needs at least
// minBatchSize events, and nothing is accepted at capacity.
func admit(config Config, active int, batchSize int) metrics.DispatchDecision {
	if active >= config.MaxWorkers {
		return metrics.DispatchRefused
	}
	if batchSize < minBatchSize(config, active) {
		return metrics.DispatchDeferred
	}
	return metrics.DispatchAccepted
}

// minBatchSize is the smallest batch admitted with active workers running.
func minBatchSize(config Config, active int) int {
	half := config.MaxWorkers / config.AdmissionDivisor
	if active < half {
		return 1
	}
	return config.MinBatchBase + config.MinBatchPerWorker*(active-half)
}

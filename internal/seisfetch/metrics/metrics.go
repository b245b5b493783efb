package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DispatchDecision string
	RetryClass       string
)

const (
	DispatchAccepted DispatchDecision = "accepted"
	DispatchDeferred DispatchDecision = "deferred"
	DispatchRefused  DispatchDecision = "refused"

	RetryShort RetryClass = "short"
	RetryLong  RetryClass = "long"
)

const SeisfetchMetricsPrefix = "seisfetch_"

// Metrics holds the collectors of one scheduler. A nil *Metrics records nothing.
type Metrics struct {
	activeWorkers        prometheus.Gauge
	dispatchDecisions    *prometheus.CounterVec
	downloadedSeismogram prometheus.Counter
	retrievedEvents      prometheus.Counter
	rejectedEvents       prometheus.Counter
	retries              *prometheus.CounterVec
	terminations         *prometheus.CounterVec
	knownStations        *prometheus.GaugeVec
}

func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_workers",
			Help: "Number of retrieval workers currently running",
		}),
		dispatchDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "dispatch_decisions",
			Help: "Number of batches offered to the scheduler grouped by admission decision",
		}, []string{"decision"}),
		downloadedSeismogram: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "downloaded_seismograms",
			Help: "Number of seismograms downloaded",
		}),
		retrievedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "retrieved_events",
			Help: "Number of events for which seismograms were downloaded",
		}),
		rejectedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "rejected_events",
			Help: "Number of events given up on",
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "event_retries",
			Help: "Number of events queued for another attempt grouped by delay class",
		}, []string{"class"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "stuck_session_terminations",
			Help: "Number of signals sent to peer processes connected for too long grouped by signal",
		}, []string{"signal"}),
		knownStations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "known_stations",
			Help: "Number of stations in the catalog grouped by network",
		}, []string{"network"}),
	}
}

func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

func (m *Metrics) RecordDispatch(decision DispatchDecision) {
	if m == nil {
		return
	}
	m.dispatchDecisions.With(map[string]string{"decision": string(decision)}).Inc()
}

func (m *Metrics) RecordDownload(seismograms int) {
	if m == nil {
		return
	}
	m.retrievedEvents.Inc()
	m.downloadedSeismogram.Add(float64(seismograms))
}

func (m *Metrics) RecordRejections(n int) {
	if m == nil {
		return
	}
	m.rejectedEvents.Add(float64(n))
}

func (m *Metrics) RecordRetry(class RetryClass) {
	if m == nil {
		return
	}
	m.retries.With(map[string]string{"class": string(class)}).Inc()
}

func (m *Metrics) RecordTermination(signal string) {
	if m == nil {
		return
	}
	m.terminations.With(map[string]string{"signal": signal}).Inc()
}

func (m *Metrics) SetKnownStations(counts map[string]int) {
	if m == nil {
		return
	}
	for network, n := range counts {
		m.knownStations.With(map[string]string{"network": network}).Set(float64(n))
	}
}

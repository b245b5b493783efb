// Package scheduler hands batches of new events to retrieval workers, bounded by an admission policy, and
// reaps the workers once they are done.
package scheduler

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/common/task"
	"github.com/pieqf/seisfetch/internal/common/util"
	"github.com/pieqf/seisfetch/internal/seisfetch/archive"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
	"github.com/pieqf/seisfetch/internal/seisfetch/eventsource"
	"github.com/pieqf/seisfetch/internal/seisfetch/metrics"
	"github.com/pieqf/seisfetch/internal/seisfetch/stations"
)

const (
	DefaultMaxWorkers          = 10
	DefaultAdmissionDivisor    = 2
	DefaultMinBatchBase        = 2
	DefaultMinBatchPerWorker   = 2
	DefaultReaperInterval      = time.Second
	DefaultStuckSessionTimeout = 15 * time.Minute
	DefaultShutdownGracePeriod = 2 * time.Second
	DefaultEventWaitTimeout    = time.Second
	DefaultRetainPeriod        = 30 * util.Day
)

// Worker retrieves the seismograms of one batch of events.
type Worker interface {
	Name() string
	Start(ctx *seiscontext.Context)
	Stop()
	Done() <-chan struct{}
	IsDone() bool
	// Err returns the error that made the worker give up, if any.
	Err() error
	// DrainRejections returns the events given up on since the last call.
	DrainRejections() []domain.Rejection
	// ConnectedSince returns when the worker's current peer session was established.
	ConnectedSince() (time.Time, bool)
	// Terminate sends sig to the worker's peer process.
	Terminate(sig os.Signal) error
	Downloads() map[string]int
}

// WorkerFactory creates the worker that retrieves events under name.
type WorkerFactory func(name string, events []*domain.Event) Worker

type Config struct {
	MaxWorkers        int
	AdmissionDivisor  int
	MinBatchBase      int
	MinBatchPerWorker int
	// How often finished and stuck workers are looked for.
	ReaperInterval time.Duration
	// A worker connected to the same peer for longer than this is considered stuck.
	StuckSessionTimeout time.Duration
	ShutdownGracePeriod time.Duration
	EventWaitTimeout    time.Duration
	// Event directories no longer in the catalog are removed once older than this. Negative disables removal.
	RetainPeriod time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          DefaultMaxWorkers,
		AdmissionDivisor:    DefaultAdmissionDivisor,
		MinBatchBase:        DefaultMinBatchBase,
		MinBatchPerWorker:   DefaultMinBatchPerWorker,
		ReaperInterval:      DefaultReaperInterval,
		StuckSessionTimeout: DefaultStuckSessionTimeout,
		ShutdownGracePeriod: DefaultShutdownGracePeriod,
		EventWaitTimeout:    DefaultEventWaitTimeout,
		RetainPeriod:        DefaultRetainPeriod,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaults.MaxWorkers
	}
	if c.AdmissionDivisor <= 0 {
		c.AdmissionDivisor = defaults.AdmissionDivisor
	}
	if c.MinBatchBase <= 0 {
		c.MinBatchBase = defaults.MinBatchBase
	}
	if c.MinBatchPerWorker < 0 {
		c.MinBatchPerWorker = defaults.MinBatchPerWorker
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = defaults.ReaperInterval
	}
	if c.StuckSessionTimeout <= 0 {
		c.StuckSessionTimeout = defaults.StuckSessionTimeout
	}
	if c.ShutdownGracePeriod < 0 {
		c.ShutdownGracePeriod = 0
	}
	if c.EventWaitTimeout <= 0 {
		c.EventWaitTimeout = defaults.EventWaitTimeout
	}
	return c
}

type Dependencies struct {
	Source  eventsource.EventSource
	Archive *archive.Archive
	// Catalog is watched for station growth; may be nil.
	Catalog *stations.Catalog
	Factory WorkerFactory
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Registerer receives the latency histogram of the reaper; may be nil.
	Registerer prometheus.Registerer
}

type workerRecord struct {
	index   int
	runId   string
	worker  Worker
	started time.Time
	// Index into terminationSignals of the next signal to try once the worker is stuck.
	nextSignal int
	// ConnectedSince of the peer session nextSignal applies to. A new session starts over at SIGHUP.
	escalatedSince time.Time
}

type Scheduler struct {
	config     Config
	source     eventsource.EventSource
	archive    *archive.Archive
	catalog    *stations.Catalog
	factory    WorkerFactory
	clock      clock.Clock
	metrics    *metrics.Metrics
	registerer prometheus.Registerer

	mu            sync.Mutex
	active        map[string]*workerRecord
	names         *nameAllocator
	assignments   *assignmentTable
	stationCounts map[string]int
	// Set when a batch could not be dispatched, so the next cycle tries again without waiting for a new snapshot.
	pending       bool
	fatal         error
	workersCtx    *seiscontext.Context
	cancelWorkers context.CancelFunc
	cancelRun     context.CancelFunc
	taskManager   *task.BackgroundTaskManager
}

func NewScheduler(deps Dependencies, config Config) (*Scheduler, error) {
	if deps.Source == nil || deps.Archive == nil || deps.Factory == nil {
		return nil, errors.New("scheduler needs an event source, an archive and a worker factory")
	}
	config = config.withDefaults()
	assignments, err := newAssignmentTable()
	if err != nil {
		return nil, err
	}
	c := deps.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Scheduler{
		config:        config,
		source:        deps.Source,
		archive:       deps.Archive,
		catalog:       deps.Catalog,
		factory:       deps.Factory,
		clock:         c,
		metrics:       deps.Metrics,
		registerer:    deps.Registerer,
		active:        map[string]*workerRecord{},
		names:         newNameAllocator(config.MaxWorkers),
		assignments:   assignments,
		stationCounts: map[string]int{},
	}, nil
}

// Run waits for catalog snapshots and dispatches their new events until ctx is cancelled or a worker hits
// a missing peer configuration, in which case that error is returned.
func (s *Scheduler) Run(ctx *seiscontext.Context, force bool) error {
	runCtx := s.start(ctx)
	ctx.Log.Info("waiting for events")
	for runCtx.Err() == nil {
		ready := s.source.Wait(runCtx, s.config.EventWaitTimeout)
		pending := s.takePending()
		if (ready || pending) && s.source.IsReady() {
			s.RunOnceForAll(runCtx, force)
		}
	}
	s.shutdown(ctx)
	return s.Err()
}

// RunOnce starts the reaper, runs fn, waits until every worker fn dispatched has finished and shuts down.
func (s *Scheduler) RunOnce(ctx *seiscontext.Context, fn func(ctx *seiscontext.Context) error) error {
	runCtx := s.start(ctx)
	err := fn(runCtx)
	s.awaitIdle(runCtx)
	s.shutdown(ctx)
	if fatal := s.Err(); fatal != nil {
		return fatal
	}
	return err
}

// RunOnceForAll dispatches the events of the current snapshot and removes stale event directories.
// With force, events already retrieved are retrieved again.
func (s *Scheduler) RunOnceForAll(ctx *seiscontext.Context, force bool) bool {
	events := s.source.GetAll()
	var dispatched bool
	if force {
		dispatched = s.Dispatch(ctx, events)
	} else {
		dispatched = s.Submit(ctx, events)
	}
	if s.config.RetainPeriod >= 0 {
		s.removeStale(ctx, events)
	}
	return dispatched
}

// RunOnceForMagnitudes dispatches, for every magnitude, the event whose magnitude is closest to it.
func (s *Scheduler) RunOnceForMagnitudes(ctx *seiscontext.Context, magnitudes []float64, force bool) (bool, error) {
	var result *multierror.Error
	events := make([]*domain.Event, 0, len(magnitudes))
	seen := map[string]bool{}
	for _, magnitude := range magnitudes {
		event, err := s.source.GetEvent(magnitude)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "magnitude %g", magnitude))
			continue
		}
		if seen[event.Id] {
			continue
		}
		seen[event.Id] = true
		ctx.Log.Infof("magnitude %g selects %s", magnitude, event.Describe())
		events = append(events, event)
	}
	if len(events) == 0 {
		return false, result.ErrorOrNil()
	}
	if force {
		return s.Dispatch(ctx, events), result.ErrorOrNil()
	}
	return s.Submit(ctx, events), result.ErrorOrNil()
}

func (s *Scheduler) Reload() error {
	return s.source.Reload()
}

// Err returns the error that stopped the scheduler, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// ActiveWorkers returns the names of the running workers in name order.
func (s *Scheduler) ActiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.sortedRecords()
	names := make([]string, len(records))
	for i, record := range records {
		names[i] = record.worker.Name()
	}
	return names
}

// Submit dispatches the events that are neither retrieved nor assigned to a running worker.
func (s *Scheduler) Submit(ctx *seiscontext.Context, events []*domain.Event) bool {
	fresh := make([]*domain.Event, 0, len(events))
	for _, event := range events {
		// Checked first: IsRetrieved prunes directories a running worker may still be writing to.
		if s.assignments.isAssigned(event.Id) {
			continue
		}
		retrieved, err := s.archive.IsRetrieved(event.Id)
		if err != nil {
			ctx.Log.WithError(err).Warnf("failed to inspect the output of %s", event.Key())
			continue
		}
		if !retrieved {
			fresh = append(fresh, event)
		}
	}
	if len(fresh) == 0 {
		ctx.Log.Debug("no new events")
		return false
	}
	return s.Dispatch(ctx, fresh)
}

// Dispatch starts a worker for the events of batch not yet assigned, if admission allows it. Returns true
// if a worker was started.
func (s *Scheduler) Dispatch(ctx *seiscontext.Context, batch []*domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch = s.unassigned(batch)
	if len(batch) == 0 {
		return false
	}
	if s.workersCtx == nil || s.workersCtx.Err() != nil {
		ctx.Log.Warnf("scheduler is not running; dropping events [%s]", domain.EventKeys(batch))
		return false
	}

	active := len(s.active)
	decision := admit(s.config, active, len(batch))
	s.metrics.RecordDispatch(decision)
	switch decision {
	case metrics.DispatchRefused:
		ctx.Log.Warnf("maximum number of workers (%d) already running; waiting with events [%s]",
			s.config.MaxWorkers, domain.EventKeys(batch))
		s.pending = true
		return false
	case metrics.DispatchDeferred:
		ctx.Log.Infof("%d workers already running; need at least %d events before starting another, have %d",
			active, minBatchSize(s.config, active), len(batch))
		s.pending = true
		return false
	}

	index, ok := s.names.allocate()
	if !ok {
		ctx.Log.Errorf("no free worker name with %d workers running", active)
		s.pending = true
		return false
	}
	name := workerName(index)
	if err := s.assignments.assign(name, domain.EventIds(batch)); err != nil {
		s.names.free(index)
		ctx.Log.WithError(err).Errorf("failed to assign events to %s", name)
		return false
	}
	record := &workerRecord{
		index:   index,
		runId:   uuid.NewString(),
		worker:  s.factory(name, batch),
		started: s.clock.Now(),
	}
	s.active[name] = record
	s.pending = false
	s.metrics.SetActiveWorkers(len(s.active))
	ctx.Log.WithField("run", record.runId).Infof("starting %s with events [%s]", name, domain.EventKeys(batch))
	record.worker.Start(seiscontext.WithLogField(s.workersCtx, "run", record.runId))
	return true
}

// unassigned drops events owned by a running worker and duplicate ids. Must be called with mu held.
func (s *Scheduler) unassigned(batch []*domain.Event) []*domain.Event {
	result := make([]*domain.Event, 0, len(batch))
	seen := map[string]bool{}
	for _, event := range batch {
		if seen[event.Id] || s.assignments.isAssigned(event.Id) {
			continue
		}
		seen[event.Id] = true
		result = append(result, event)
	}
	return result
}

func (s *Scheduler) takePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = false
	return pending
}

// removeStale deletes the directories of events that left the catalog more than the retain period ago.
func (s *Scheduler) removeStale(ctx *seiscontext.Context, events []*domain.Event) {
	reference := s.source.ModTime()
	if reference.IsZero() {
		return
	}
	keep, err := s.assignments.eventIds()
	if err != nil {
		ctx.Log.WithError(err).Warn("failed to list assigned events")
		return
	}
	for _, event := range events {
		keep[event.Id] = struct{}{}
	}
	removed, err := s.archive.RemoveStale(keep, reference, s.config.RetainPeriod)
	if err != nil {
		ctx.Log.WithError(err).Warn("failed to remove stale event directories")
	}
	ids := maps.Keys(removed)
	slices.Sort(ids)
	for _, id := range ids {
		ctx.Log.Infof("removed %s, %s older than the catalog", s.archive.EventDir(id), util.FormatElapsed(removed[id]))
	}
}

func (s *Scheduler) start(ctx *seiscontext.Context) *seiscontext.Context {
	runCtx, cancelRun := seiscontext.WithCancel(ctx)
	workersCtx, cancelWorkers := seiscontext.WithCancel(runCtx)
	s.mu.Lock()
	s.fatal = nil
	s.pending = false
	s.workersCtx = workersCtx
	s.cancelWorkers = cancelWorkers
	s.cancelRun = cancelRun
	s.mu.Unlock()

	s.taskManager = task.NewBackgroundTaskManager(metrics.SeisfetchMetricsPrefix, s.registerer)
	reaperCtx := seiscontext.WithLogField(seiscontext.Detached(ctx), "task", "reaper")
	s.taskManager.Register(func() { s.reap(reaperCtx) }, s.config.ReaperInterval, "reaper")
	return runCtx
}

// awaitIdle returns once no worker is running or ctx is cancelled.
func (s *Scheduler) awaitIdle(ctx *seiscontext.Context) {
	for {
		s.mu.Lock()
		idle := len(s.active) == 0
		s.mu.Unlock()
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.config.ReaperInterval):
		}
	}
}

// shutdown stops every worker, waits for them, stops the control loop and, after the grace period, runs a
// final reap before stopping the reaper.
func (s *Scheduler) shutdown(ctx *seiscontext.Context) {
	ctx = seiscontext.Detached(ctx)
	s.mu.Lock()
	records := s.sortedRecords()
	cancelWorkers, cancelRun := s.cancelWorkers, s.cancelRun
	s.mu.Unlock()

	if len(records) > 0 {
		ctx.Log.Infof("stopping %d workers", len(records))
	}
	cancelWorkers()
	for _, record := range records {
		<-record.worker.Done()
	}
	cancelRun()
	if s.config.ShutdownGracePeriod > 0 {
		<-s.clock.After(s.config.ShutdownGracePeriod)
	}
	s.reap(seiscontext.WithLogField(ctx, "task", "reaper"))
	if s.taskManager.StopAll(s.config.ReaperInterval + time.Second) {
		ctx.Log.Warn("reaper did not stop in time")
	}
	ctx.Log.Info("scheduler stopped")
}

// sortedRecords returns the active workers in name index order. Must be called with mu held.
func (s *Scheduler) sortedRecords() []*workerRecord {
	records := make([]*workerRecord, 0, len(s.active))
	for _, record := range s.active {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].index < records[j].index
	})
	return records
}

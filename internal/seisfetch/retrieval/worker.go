package retrieval

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/common/util"
	"github.com/pieqf/seisfetch/internal/seisfetch/archive"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
	"github.com/pieqf/seisfetch/internal/seisfetch/metrics"
	"github.com/pieqf/seisfetch/internal/seisfetch/stations"
	"github.com/pieqf/seisfetch/internal/seisfetch/stp"
)

const (
	DefaultShortRetryDelay = 30 * time.Second
	DefaultLongRetryDelay  = 5 * time.Minute
	DefaultRetryWindow     = 24 * time.Hour
)

var DefaultEarthquakeTypes = []string{"le", "re", "ts"}

// Config is handed to every worker by value.
type Config struct {
	NumStations     int
	Channels        []string
	RetryWindow     time.Duration
	ShortRetryDelay time.Duration
	LongRetryDelay  time.Duration
	EarthquakeTypes []string
}

func (c Config) withDefaults() Config {
	if c.NumStations <= 0 {
		c.NumStations = 3
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{"H%"}
	}
	if c.RetryWindow == 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.ShortRetryDelay <= 0 {
		c.ShortRetryDelay = DefaultShortRetryDelay
	}
	if c.LongRetryDelay <= 0 {
		c.LongRetryDelay = DefaultLongRetryDelay
	}
	if len(c.EarthquakeTypes) == 0 {
		c.EarthquakeTypes = DefaultEarthquakeTypes
	}
	return c
}

// Session is the peer protocol as used by a worker.
type Session interface {
	stations.Session
	Connect(ctx *seiscontext.Context, network string) error
	Disconnect(ctx *seiscontext.Context)
	GetEvent(ctx *seiscontext.Context, eventId string) (*domain.Event, error)
	Download(ctx *seiscontext.Context, eventId string, stations []string, chanSpecs []string) (int, error)
	ConnectedSince() (time.Time, bool)
	Signal(sig os.Signal) error
}

// EventIdSource reports the ids of the events currently in the catalog.
type EventIdSource interface {
	GetAllIds() map[string]struct{}
}

type retryEntry struct {
	event *domain.Event
	class metrics.RetryClass
	delay time.Duration
}

// Worker retrieves seismograms for one job: a list of events processed in order by a single peer session.
// Events for which no data is available yet are retried until the retry window elapses.
type Worker struct {
	name     string
	events   []*domain.Event
	config   Config
	session  Session
	selector *stations.Selector
	archive  *archive.Archive
	source   EventIdSource
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu         sync.Mutex
	state      State
	downloads  map[string]int
	rejections []domain.Rejection
	err        error
	cancel     func()

	startOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

type Dependencies struct {
	Session Session
	Catalog *stations.Catalog
	Archive *archive.Archive
	Source  EventIdSource
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// How long availability responses are reused; zero selects the default.
	AvailabilityTTL time.Duration
}

func NewWorker(name string, events []*domain.Event, deps Dependencies, config Config) *Worker {
	c := deps.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &Worker{
		name:      name,
		events:    slices.Clone(events),
		config:    config.withDefaults(),
		session:   deps.Session,
		selector:  stations.NewSelector(deps.Catalog, deps.AvailabilityTTL),
		archive:   deps.Archive,
		source:    deps.Source,
		clock:     c,
		metrics:   deps.Metrics,
		state:     Created,
		downloads: map[string]int{},
		done:      make(chan struct{}),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// Start runs the job on its own goroutine. Cancelling ctx stops the worker just like Stop does.
func (w *Worker) Start(ctx *seiscontext.Context) {
	w.startOnce.Do(func() {
		runCtx, cancel := seiscontext.WithCancel(seiscontext.WithLogField(ctx, "worker", w.name))
		w.mu.Lock()
		w.cancel = cancel
		w.mu.Unlock()
		go func() {
			defer cancel()
			w.run(runCtx)
		}()
	})
}

// Stop asks the worker to finish as soon as possible and waits until it has.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		// Never started
		w.finish()
		return
	}
	cancel()
	<-w.done
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) IsDone() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the error that made the worker give up, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Downloads returns the number of seismograms downloaded per event id.
func (w *Worker) Downloads() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	downloads := make(map[string]int, len(w.downloads))
	for id, n := range w.downloads {
		downloads[id] = n
	}
	return downloads
}

// DrainRejections returns the events given up on since the last call and forgets them.
func (w *Worker) DrainRejections() []domain.Rejection {
	w.mu.Lock()
	defer w.mu.Unlock()
	rejections := w.rejections
	w.rejections = nil
	return rejections
}

func (w *Worker) ConnectedSince() (time.Time, bool) {
	return w.session.ConnectedSince()
}

// Terminate sends sig to the worker's peer process.
func (w *Worker) Terminate(sig os.Signal) error {
	return w.session.Signal(sig)
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

func (w *Worker) finish() {
	w.finishOnce.Do(func() {
		w.mu.Lock()
		w.state = Finished
		w.mu.Unlock()
		close(w.done)
	})
}

func (w *Worker) reject(event *domain.Event, reason string) {
	w.mu.Lock()
	w.rejections = append(w.rejections, domain.Rejection{Event: event, Reason: reason})
	w.mu.Unlock()
	w.metrics.RecordRejections(1)
}

func (w *Worker) run(ctx *seiscontext.Context) {
	defer w.finish()
	w.setState(Running)

	start := w.clock.Now()
	deadline := start.Add(w.config.RetryWindow)
	ctx.Log.Infof("started with events [%s]", domain.EventKeys(w.events))

	job := w.events
	for {
		retries, err := w.process(ctx, job)
		w.session.Disconnect(seiscontext.Detached(ctx))
		if err != nil {
			if stp.IsFatal(err) {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				ctx.Log.WithError(err).Error("giving up")
			} else {
				ctx.Log.Info("stopped")
			}
			return
		}
		if len(retries) == 0 {
			break
		}

		if !w.clock.Now().Before(deadline) {
			expired := make([]*domain.Event, len(retries))
			for i, entry := range retries {
				expired[i] = entry.event
				w.reject(entry.event, "timed out")
			}
			ctx.Log.Infof(
				"retry window expired at %s, giving up on events [%s]",
				deadline.UTC().Format(time.RFC1123), domain.EventKeys(expired),
			)
			break
		}

		w.setState(Idle)
		last := retries[len(retries)-1]
		delay := last.delay
		ctx.Log.Debugf("retrying %d events in %s, the %s delay of the last failure", len(retries), delay, last.class)
		select {
		case <-ctx.Done():
			ctx.Log.Info("stopped")
			return
		case <-w.clock.After(delay):
		}

		current := w.source.GetAllIds()
		job = make([]*domain.Event, 0, len(retries))
		var vanished []*domain.Event
		for _, entry := range retries {
			if _, ok := current[entry.event.Id]; !ok {
				vanished = append(vanished, entry.event)
				continue
			}
			job = append(job, entry.event)
		}
		if len(vanished) > 0 {
			ctx.Log.Infof("events [%s] are no longer in the catalog", domain.EventKeys(vanished))
		}
		if len(job) == 0 {
			break
		}
	}
	ctx.Log.Infof("done after %s", util.FormatElapsed(w.clock.Since(start)))
}

// process runs the retrieval sequence for each event of job and returns the events to try again. A non-nil
// error means the worker has to stop.
func (w *Worker) process(ctx *seiscontext.Context, job []*domain.Event) ([]retryEntry, error) {
	var retries []retryEntry
	for _, event := range job {
		if err := ctx.Err(); err != nil {
			return retries, errors.WithStack(err)
		}
		eventCtx := seiscontext.WithLogField(ctx, "event", event.Key())
		class, err := w.retrieve(eventCtx, event)
		if err != nil {
			return retries, err
		}
		if class != noRetry {
			w.metrics.RecordRetry(class)
			w.selector.Forget(event)
			retries = append(retries, retryEntry{event: event, class: class, delay: w.retryDelay(class)})
		}
	}
	w.setState(Idle)
	return retries, nil
}

// noRetry is returned by retrieve for events that are done with, downloaded or rejected.
const noRetry metrics.RetryClass = ""

func (w *Worker) retryDelay(class metrics.RetryClass) time.Duration {
	if class == metrics.RetryShort {
		return w.config.ShortRetryDelay
	}
	return w.config.LongRetryDelay
}

// retrieve downloads seismograms for one event. It returns the retry class when the event should be tried
// again later and an error when the worker must stop.
func (w *Worker) retrieve(ctx *seiscontext.Context, event *domain.Event) (metrics.RetryClass, error) {
	if w.session.Network() != event.Network {
		w.setState(Connecting)
		w.session.Disconnect(ctx)
		w.selector.Reset()
		if err := w.session.Connect(ctx, event.Network); err != nil {
			return w.retryAfter(ctx, err, metrics.RetryShort, "failed to connect")
		}
		w.setState(Connected)
	}

	w.setState(Querying)
	metadata, err := w.session.GetEvent(ctx, event.Id)
	if err != nil {
		return w.retryAfter(ctx, err, metrics.RetryShort, "failed to fetch event metadata")
	}
	if metadata == nil {
		ctx.Log.Infof("%s data center has no data for event %s (yet), will retry in %s", event.Network, event.Key(), w.config.LongRetryDelay)
		return metrics.RetryLong, nil
	}
	if !slices.Contains(w.config.EarthquakeTypes, metadata.Type) {
		ctx.Log.Infof("event %s is not an earthquake; type = '%s'", event.Key(), metadata.Type)
		w.reject(event, fmt.Sprintf("man-made event type: %s", metadata.Type))
		return noRetry, nil
	}
	ctx.Log.Infof("event %s", metadata.Describe())

	w.setState(Selecting)
	nearest, err := w.selector.Nearest(ctx, w.session, metadata, w.config.NumStations, w.config.Channels)
	if err != nil {
		var unknown *stations.ErrUnknownStation
		if errors.As(err, &unknown) {
			return w.retryAfter(ctx, err, metrics.RetryLong, "station list is incomplete")
		}
		return w.retryAfter(ctx, err, metrics.RetryShort, "failed to select stations")
	}
	if len(nearest) == 0 {
		ctx.Log.Infof("no stations have data for event %s (yet), will retry in %s", event.Key(), w.config.LongRetryDelay)
		return metrics.RetryLong, nil
	}

	w.setState(Downloading)
	count, err := w.session.Download(ctx, metadata.Id, nearest, w.config.Channels)
	if err != nil {
		w.removeIfEmpty(ctx, event)
		return w.retryAfter(ctx, err, metrics.RetryShort, "failed to download seismograms")
	}
	if count == 0 {
		ctx.Log.Infof("no seismograms available for event %s (yet), will retry in %s", event.Key(), w.config.LongRetryDelay)
		w.removeIfEmpty(ctx, event)
		return metrics.RetryLong, nil
	}

	w.mu.Lock()
	w.downloads[event.Id] = count
	w.mu.Unlock()
	w.metrics.RecordDownload(count)
	ctx.Log.Infof(
		"downloaded %d seismograms for event %s from %d stations, %s after the event",
		count, event.Key(), len(nearest), util.FormatElapsed(w.clock.Since(metadata.Time)),
	)
	return noRetry, nil
}

// retryAfter decides between stopping the worker (fatal peer errors and cancellation) and trying the event
// again with the delay of class.
func (w *Worker) retryAfter(ctx *seiscontext.Context, err error, class metrics.RetryClass, message string) (metrics.RetryClass, error) {
	if stp.IsFatal(err) {
		return noRetry, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return noRetry, errors.WithStack(ctxErr)
	}
	ctx.Log.WithError(err).Warnf("%s, will retry in %s", message, w.retryDelay(class))
	return class, nil
}

func (w *Worker) removeIfEmpty(ctx *seiscontext.Context, event *domain.Event) {
	if w.archive == nil {
		return
	}
	if _, err := w.archive.RemoveIfEmpty(event.Id); err != nil {
		ctx.Log.WithError(err).Warnf("failed to remove directory of %s", event.Key())
	}
}

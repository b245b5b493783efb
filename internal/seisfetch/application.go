// Package seisfetch assembles the retrieval system from its configuration.
package seisfetch

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/pieqf/seisfetch/internal/common"
	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/archive"
	"github.com/pieqf/seisfetch/internal/seisfetch/configuration"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
	"github.com/pieqf/seisfetch/internal/seisfetch/eventsource"
	"github.com/pieqf/seisfetch/internal/seisfetch/metrics"
	"github.com/pieqf/seisfetch/internal/seisfetch/retrieval"
	"github.com/pieqf/seisfetch/internal/seisfetch/scheduler"
	"github.com/pieqf/seisfetch/internal/seisfetch/stations"
	"github.com/pieqf/seisfetch/internal/seisfetch/stp"
)

// OnceOptions selects the events of a one-shot run.
type OnceOptions struct {
	// Every event of the catalog. Implied when no magnitudes are given.
	All bool
	// For every magnitude, the event whose magnitude is closest to it.
	Magnitudes []float64
	// Retrieve events again even if seismograms already exist.
	Force bool
}

type App struct {
	config    configuration.SeisfetchConfiguration
	launcher  stp.Launcher
	clock     clock.Clock
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	archive   *archive.Archive
	catalog   *stations.Catalog
	source    *eventsource.CatalogFile
	scheduler *scheduler.Scheduler
}

// NewApp builds the object graph described by config. A nil launcher starts the configured peer executable
// directly.
func NewApp(config configuration.SeisfetchConfiguration, launcher stp.Launcher, c clock.Clock) (*App, error) {
	if c == nil {
		c = clock.RealClock{}
	}
	a, err := archive.New(config.OutputDir)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app := &App{
		config:   config,
		launcher: launcher,
		clock:    c,
		registry: registry,
		metrics:  metrics.NewMetrics(metrics.SeisfetchMetricsPrefix, registry),
		archive:  a,
		catalog:  stations.NewCatalog(),
		source: eventsource.NewCatalogFile(
			config.Catalog.Path, config.Catalog.BlacklistPath, config.Catalog.PollInterval, c,
		),
	}
	app.scheduler, err = scheduler.NewScheduler(scheduler.Dependencies{
		Source:     app.source,
		Archive:    a,
		Catalog:    app.catalog,
		Factory:    app.newWorker,
		Clock:      c,
		Metrics:    app.metrics,
		Registerer: registry,
	}, schedulerConfig(config.Scheduling))
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

func (a *App) Source() *eventsource.CatalogFile {
	return a.source
}

func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Run polls the catalog and retrieves every new event until ctx is cancelled or the peer turns out to be
// misconfigured.
func (a *App) Run(ctx *seiscontext.Context, force bool) error {
	if a.config.MetricsPort != 0 {
		shutdownMetrics := common.ServeMetrics(a.config.MetricsPort, a.registry)
		defer shutdownMetrics()
	}

	g, groupCtx := seiscontext.ErrGroup(ctx)
	sourceCtx, stopSource := seiscontext.WithCancel(seiscontext.WithLogField(groupCtx, "task", "catalog"))
	g.Go(func() error {
		return a.source.Run(sourceCtx)
	})
	g.Go(func() error {
		defer stopSource()
		return a.scheduler.Run(groupCtx, force)
	})
	return g.Wait()
}

// RunOnce retrieves the selected events of the current catalog and returns once every worker has finished.
func (a *App) RunOnce(ctx *seiscontext.Context, options OnceOptions) error {
	if err := a.source.Reload(); err != nil {
		return err
	}
	if !a.source.IsReady() {
		return errors.Errorf("event catalog %s does not exist", a.config.Catalog.Path)
	}
	return a.scheduler.RunOnce(ctx, func(ctx *seiscontext.Context) error {
		if options.All || len(options.Magnitudes) == 0 {
			a.scheduler.RunOnceForAll(ctx, options.Force)
		}
		if len(options.Magnitudes) > 0 {
			if _, err := a.scheduler.RunOnceForMagnitudes(ctx, options.Magnitudes, options.Force); err != nil {
				ctx.Log.WithError(err).Warn("some magnitudes did not select an event")
			}
		}
		return nil
	})
}

func (a *App) Reload() error {
	return a.scheduler.Reload()
}

func (a *App) newWorker(name string, events []*domain.Event) scheduler.Worker {
	session := stp.NewSession(sessionConfig(a.config), a.archive, a.launcher, a.clock)
	return retrieval.NewWorker(name, events, retrieval.Dependencies{
		Session:         session,
		Catalog:         a.catalog,
		Archive:         a.archive,
		Source:          a.source,
		Clock:           a.clock,
		Metrics:         a.metrics,
		AvailabilityTTL: a.config.Retrieval.AvailabilityTTL,
	}, retrievalConfig(a.config.Retrieval))
}

func sessionConfig(config configuration.SeisfetchConfiguration) stp.Config {
	// Viper lower-cases map keys; network codes are upper case.
	groups := make(map[string]string, len(config.Peer.NetworkGroups))
	for network, group := range config.Peer.NetworkGroups {
		groups[strings.ToUpper(network)] = group
	}
	return stp.Config{
		Executable:     config.Peer.Executable,
		OutputDir:      config.OutputDir,
		NetworkGroups:  groups,
		Verbose:        config.Peer.Verbose,
		Format:         config.Peer.Format,
		GainCorrection: config.Peer.GainCorrection,
		EchoOutput:     config.Peer.EchoOutput,
	}
}

// retrievalConfig copies the slices so that no worker shares them with the configuration.
func retrievalConfig(config configuration.RetrievalConfiguration) retrieval.Config {
	return retrieval.Config{
		NumStations:     config.NumStations,
		Channels:        append([]string(nil), config.Channels...),
		RetryWindow:     config.RetryWindow,
		ShortRetryDelay: config.ShortRetryDelay,
		LongRetryDelay:  config.LongRetryDelay,
		EarthquakeTypes: append([]string(nil), config.EarthquakeTypes...),
	}
}

func schedulerConfig(config configuration.SchedulingConfiguration) scheduler.Config {
	return scheduler.Config{
		MaxWorkers:          config.MaxWorkers,
		AdmissionDivisor:    config.AdmissionDivisor,
		MinBatchBase:        config.MinBatchBase,
		MinBatchPerWorker:   config.MinBatchPerWorker,
		ReaperInterval:      config.ReaperInterval,
		StuckSessionTimeout: config.StuckSessionTimeout,
		ShutdownGracePeriod: config.ShutdownGracePeriod,
		EventWaitTimeout:    config.EventWaitTimeout,
		RetainPeriod:        config.RetainPeriod,
	}
}

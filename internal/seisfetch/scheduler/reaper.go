package scheduler

import (
	"os"
	"syscall"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/common/util"
	"github.com/pieqf/seisfetch/internal/seisfetch/stp"
)

// Signals sent to the peer of a stuck worker, mildest first.
var terminationSignals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}

// reap blacklists the events workers gave up on, forgets finished workers and terminates the peers of stuck
// ones.
func (s *Scheduler) reap(ctx *seiscontext.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.sortedRecords() {
		workerCtx := seiscontext.WithLogFields(ctx, log.Fields{
			"worker": record.worker.Name(),
			"run":    record.runId,
		})
		// Observed before draining: a finished worker rejects nothing more.
		finished := record.worker.IsDone()
		s.blacklistRejections(workerCtx, record)
		if finished {
			s.remove(workerCtx, record)
			continue
		}
		if since, ok := record.worker.ConnectedSince(); ok {
			if connected := s.clock.Since(since); connected > s.config.StuckSessionTimeout {
				if !since.Equal(record.escalatedSince) {
					record.escalatedSince = since
					record.nextSignal = 0
				}
				workerCtx.Log.Warnf("connected to the same peer for %s; terminating it", util.FormatElapsed(connected))
				s.terminate(workerCtx, record)
			}
		}
	}
	s.metrics.SetActiveWorkers(len(s.active))
	s.checkStations(ctx)
}

func (s *Scheduler) blacklistRejections(ctx *seiscontext.Context, record *workerRecord) {
	for _, rejection := range record.worker.DrainRejections() {
		ctx.Log.Infof("blacklisting %s: %s", rejection.Event.Key(), rejection.Reason)
		if err := s.source.BlackListEvent(rejection.Event, rejection.Reason); err != nil {
			ctx.Log.WithError(err).Errorf("failed to blacklist %s", rejection.Event.Key())
		}
	}
}

// remove forgets a finished worker. A worker that died from a missing peer configuration stops the scheduler.
// Must be called with mu held.
func (s *Scheduler) remove(ctx *seiscontext.Context, record *workerRecord) {
	name := record.worker.Name()
	if _, err := s.assignments.release(name); err != nil {
		ctx.Log.WithError(err).Error("failed to release assigned events")
	}
	s.names.free(record.index)
	delete(s.active, name)

	err := record.worker.Err()
	switch {
	case stp.IsMissingConfiguration(err):
		ctx.Log.WithError(err).Error("peer configuration is missing; stopping")
		if s.fatal == nil {
			s.fatal = err
		}
		if s.cancelRun != nil {
			s.cancelRun()
		}
	case err != nil:
		ctx.Log.WithError(err).Error("worker failed")
	default:
		ctx.Log.Infof("finished after %s with downloads %v",
			util.FormatElapsed(s.clock.Since(record.started)), record.worker.Downloads())
	}
}

// terminate sends the peer of a stuck worker the mildest signal not yet tried that can be delivered. Each call
// escalates from where the previous one stopped against the same peer session. Must be called with mu held.
func (s *Scheduler) terminate(ctx *seiscontext.Context, record *workerRecord) {
	err := retry.Do(
		func() error {
			sig := terminationSignals[record.nextSignal]
			if record.nextSignal < len(terminationSignals)-1 {
				record.nextSignal++
			}
			if err := record.worker.Terminate(sig); err != nil {
				return errors.WithMessagef(err, "sending %s", sig)
			}
			s.metrics.RecordTermination(sig.String())
			ctx.Log.Infof("sent %s to the peer", sig)
			return nil
		},
		retry.Attempts(uint(len(terminationSignals))),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Debugf("termination attempt %d failed", n+1)
		}),
	)
	if err != nil {
		ctx.Log.WithError(err).Error("failed to terminate the peer")
	}
}

// checkStations logs networks whose number of known stations changed since the previous check. Must be called
// with mu held.
func (s *Scheduler) checkStations(ctx *seiscontext.Context) {
	if s.catalog == nil {
		return
	}
	counts := s.catalog.Counts()
	networks := maps.Keys(counts)
	slices.Sort(networks)
	for _, network := range networks {
		if previous := s.stationCounts[network]; counts[network] != previous {
			ctx.Log.Infof("%d stations known for network %s, %d before", counts[network], network, previous)
		}
	}
	s.stationCounts = counts
	s.metrics.SetKnownStations(counts)
}

package stp

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/archive"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

// How long Disconnect waits for the peer to exit after EXIT before killing it.
const exitGracePeriod = 2 * time.Second

type Config struct {
	// Path of the peer executable.
	Executable string
	// Directory the peer writes seismograms to, one subdirectory per event.
	OutputDir string
	// Maps a network code such as CI onto the server group the peer connects to.
	NetworkGroups map[string]string
	// Options applied after every successful connect.
	Verbose        bool
	Format         string
	GainCorrection *bool
	// Log every line the peer prints at debug level.
	EchoOutput bool
}

// Session drives one peer process at a time. Protocol operations must be issued from a single goroutine;
// the accessors used for supervision (Network, ConnectedSince, Pid, Signal) are safe to call concurrently.
type Session struct {
	config   Config
	archive  *archive.Archive
	launcher Launcher
	clock    clock.PassiveClock

	mu             sync.Mutex
	proc           *peerProcess
	network        string
	connectedSince time.Time
}

func NewSession(config Config, archive *archive.Archive, launcher Launcher, clock clock.PassiveClock) *Session {
	if launcher == nil {
		launcher = DefaultLauncher
	}
	return &Session{
		config:   config,
		archive:  archive,
		launcher: launcher,
		clock:    clock,
	}
}

// Network returns the network code of the current connection, or "" when not connected.
func (s *Session) Network() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// ConnectedSince returns when the current connection completed its banner.
func (s *Session) ConnectedSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.connectedSince.IsZero() {
		return time.Time{}, false
	}
	return s.connectedSince, true
}

// Pid returns the process id of the peer, or 0 when not connected.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid()
}

// Signal sends sig to the peer process. The response being read when the peer dies is classified as usual.
func (s *Session) Signal(sig os.Signal) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return &ErrSession{Reason: "not connected"}
	}
	return proc.signal(sig)
}

// Connect starts a peer bound to the server group of network and waits for its startup banner.
func (s *Session) Connect(ctx *seiscontext.Context, network string) error {
	group, ok := s.config.NetworkGroups[network]
	if !ok {
		return &ErrSession{Reason: fmt.Sprintf("unrecognized network code '%s'", network)}
	}
	s.mu.Lock()
	if s.proc != nil {
		current := s.network
		s.mu.Unlock()
		return &ErrSession{Reason: fmt.Sprintf("already connected to %s", current)}
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	proc, err := startPeer(s.launcher(s.config.Executable, s.config.OutputDir, group))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.proc = proc
	s.network = network
	s.connectedSince = time.Time{}
	s.mu.Unlock()

	banner := s.newResponse("connect "+network, proc)
	for line, ok := banner.Next(ctx); ok; line, ok = banner.Next(ctx) {
		ctx.Log.Debugf("%s: %s", group, line)
	}
	if err := banner.Err(); err != nil {
		return err
	}
	if !banner.complete {
		s.release(proc)
		proc.kill()
		return &ErrSession{Reason: fmt.Sprintf("banner of %s never completed", group)}
	}

	s.mu.Lock()
	s.connectedSince = s.clock.Now()
	s.mu.Unlock()
	ctx.Log.Infof("connected to %s (%s), pid %d", network, group, proc.pid())

	return s.applyOptions(ctx)
}

func (s *Session) applyOptions(ctx *seiscontext.Context) error {
	options := make([]func() error, 0, 3)
	if s.config.Verbose {
		options = append(options, func() error {
			_, err := s.ToggleVerbose(ctx)
			return err
		})
	}
	if s.config.Format != "" {
		options = append(options, func() error {
			_, err := s.SetFormat(ctx, s.config.Format)
			return err
		})
	}
	if s.config.GainCorrection != nil {
		options = append(options, func() error {
			_, err := s.SetGainCorrection(ctx, *s.config.GainCorrection)
			return err
		})
	}
	for _, apply := range options {
		if err := apply(); err != nil {
			if !s.Connected() {
				return err
			}
			ctx.Log.WithError(err).Warn("failed to apply session option")
		}
	}
	return nil
}

// Disconnect asks the peer to exit and waits for it. It is a no-op when not connected.
func (s *Session) Disconnect(ctx *seiscontext.Context) {
	s.mu.Lock()
	proc := s.proc
	network := s.network
	s.mu.Unlock()
	if proc == nil {
		return
	}

	if err := proc.send("EXIT"); err != nil {
		ctx.Log.WithError(err).Debug("peer no longer accepts commands")
	}
	drain := s.newResponse("EXIT", proc)
	for line, ok := drain.Next(ctx); ok; line, ok = drain.Next(ctx) {
		ctx.Log.Debugf("%s: %s", network, line)
	}
	if err := drain.Err(); err != nil {
		ctx.Log.WithError(err).Debug("ignoring error while disconnecting")
	}

	select {
	case <-proc.exited:
	case <-ctx.Done():
	case <-time.After(exitGracePeriod):
	}
	s.release(proc)
	proc.kill()
	ctx.Log.Infof("disconnected from %s", network)
}

// GetEvent fetches the data center's metadata for one event. It returns nil when the data center has none.
func (s *Session) GetEvent(ctx *seiscontext.Context, eventId string) (*domain.Event, error) {
	network := s.Network()
	var event *domain.Event
	err := s.collect(ctx, "EVENT -e "+eventId, func(tokens []string) (bool, error) {
		e, err := parseEvent(network, tokens)
		if err != nil || e == nil {
			return false, err
		}
		if e.Id == eventId {
			event = e
		}
		return true, nil
	})
	return event, err
}

// ListStations returns the stations of the connected network and the count the peer reported.
func (s *Session) ListStations(ctx *seiscontext.Context) ([]domain.Station, int, error) {
	var stations []domain.Station
	reported := 0
	err := s.collectCounted(ctx, "STA -l", &reported, func(tokens []string) (bool, error) {
		station, err := parseStation(tokens)
		if err != nil {
			return false, err
		}
		stations = append(stations, station)
		return true, nil
	})
	return stations, reported, err
}

// QueryAvailability lists the waveforms available for an event on channels matching chanSpec, together
// with the count the peer reported.
func (s *Session) QueryAvailability(ctx *seiscontext.Context, eventId string, chanSpec string) ([]domain.Waveform, int, error) {
	if err := ValidateChannel(chanSpec); err != nil {
		return nil, 0, err
	}
	var waveforms []domain.Waveform
	reported := 0
	command := fmt.Sprintf("EAVAIL -l -chan %s %s", chanSpec, eventId)
	err := s.collectCounted(ctx, command, &reported, func(tokens []string) (bool, error) {
		w, err := parseWaveform(tokens)
		if err != nil {
			return false, err
		}
		waveforms = append(waveforms, w)
		return true, nil
	})
	return waveforms, reported, err
}

// Download requests seismograms of an event from every station on every channel spec and returns the number
// of seismograms the event's directory holds afterwards.
func (s *Session) Download(ctx *seiscontext.Context, eventId string, stations []string, chanSpecs []string) (int, error) {
	for _, chanSpec := range chanSpecs {
		if err := ValidateChannel(chanSpec); err != nil {
			return 0, err
		}
	}
	for _, station := range stations {
		if _, _, ok := domain.SplitStationId(station); !ok {
			return 0, &ErrSession{Reason: fmt.Sprintf("invalid station '%s'", station)}
		}
	}
	for _, station := range stations {
		net, sta, _ := domain.SplitStationId(station)
		for _, chanSpec := range chanSpecs {
			command := fmt.Sprintf("TRIG -net %s -sta %s -chan %s %s", net, sta, chanSpec, eventId)
			r, err := s.request(ctx, command)
			if err != nil {
				return 0, err
			}
			for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
				ctx.Log.Debugf("%s: %s", command, line)
			}
			if err := r.Err(); err != nil {
				return 0, err
			}
			if !r.complete {
				return 0, nil
			}
		}
	}
	count, err := s.archive.Count(eventId)
	if err != nil {
		return 0, errors.Wrapf(err, "counting seismograms of %s", eventId)
	}
	return count, nil
}

// Status returns the client and server settings reported by the peer.
func (s *Session) Status(ctx *seiscontext.Context) (map[string]string, error) {
	r, err := s.request(ctx, "STATUS")
	if err != nil {
		return nil, err
	}
	status := map[string]string{}
	for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
		if key, value, ok := parseStatus(line); ok {
			status[key] = value
		}
	}
	return status, r.Err()
}

// ToggleVerbose flips the peer's verbose mode and returns whether it is now on.
func (s *Session) ToggleVerbose(ctx *seiscontext.Context) (bool, error) {
	r, err := s.request(ctx, "VERBOSE")
	if err != nil {
		return false, err
	}
	on := false
	for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
		tokens := strings.Fields(line)
		if strings.EqualFold(tokens[0], "verbose") {
			on = strings.EqualFold(tokens[len(tokens)-1], "on")
		}
	}
	return on, r.Err()
}

// SetGainCorrection switches gain correction of downloaded seismograms and returns the resulting setting.
func (s *Session) SetGainCorrection(ctx *seiscontext.Context, on bool) (bool, error) {
	command := "GAIN OFF"
	if on {
		command = "GAIN ON"
	}
	r, err := s.request(ctx, command)
	if err != nil {
		return false, err
	}
	result := false
	for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
		switch strings.Fields(line)[0] {
		case "Correcting":
			result = true
		case noDataMarker:
			result = false
		}
	}
	return result, r.Err()
}

// SetFormat selects the file format of downloaded seismograms and returns the format the peer reports.
func (s *Session) SetFormat(ctx *seiscontext.Context, format string) (string, error) {
	format, err := ValidateFormat(format)
	if err != nil {
		return "", err
	}
	r, err := s.request(ctx, format)
	if err != nil {
		return "", err
	}
	for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
		ctx.Log.Debugf("%s: %s", format, line)
	}
	if err := r.Err(); err != nil {
		return "", err
	}
	status, err := s.Status(ctx)
	if err != nil {
		return "", err
	}
	return status["Format"], nil
}

// collect runs command and passes every record line to handle, which reports whether the record counts
// towards the summary. Malformed records are skipped and logged together once the response is complete.
func (s *Session) collect(ctx *seiscontext.Context, command string, handle func(tokens []string) (bool, error)) error {
	reported := 0
	return s.collectCounted(ctx, command, &reported, handle)
}

func (s *Session) collectCounted(ctx *seiscontext.Context, command string, reported *int, handle func(tokens []string) (bool, error)) error {
	r, err := s.request(ctx, command)
	if err != nil {
		return err
	}
	var problems *multierror.Error
	records := 0
	sawCount := false
	for line, ok := r.Next(ctx); ok; line, ok = r.Next(ctx) {
		tokens := strings.Fields(line)
		if isCountLine(tokens) {
			n, err := parseCount(tokens)
			if err != nil {
				problems = multierror.Append(problems, &ErrProtocol{Command: command, Line: line, Message: err.Error()})
				continue
			}
			*reported += n
			sawCount = true
			continue
		}
		counted, err := handle(tokens)
		if err != nil {
			problems = multierror.Append(problems, &ErrProtocol{Command: command, Line: line, Message: err.Error()})
			continue
		}
		if counted {
			records++
		}
	}
	if r.complete && (sawCount || records > 0) && records != *reported {
		problems = multierror.Append(problems, &ErrProtocol{
			Command: command,
			Message: fmt.Sprintf("received %d records but the peer reported %d", records, *reported),
		})
	}
	if err := problems.ErrorOrNil(); err != nil {
		ctx.Log.Warn(err.Error())
	}
	return r.Err()
}

// request sends command to the connected peer and returns the iterator over its response.
func (s *Session) request(ctx *seiscontext.Context, command string) (*response, error) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil, &ErrSession{Reason: "not connected"}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := proc.send(command); err != nil {
		// The peer has gone away; reading the response classifies how.
		ctx.Log.WithError(err).Debugf("failed to send %q", command)
	}
	return s.newResponse(command, proc), nil
}

// release clears the connection state if proc is still the current peer.
func (s *Session) release(proc *peerProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == proc {
		s.proc = nil
		s.network = ""
		s.connectedSince = time.Time{}
	}
}

func (s *Session) newResponse(command string, proc *peerProcess) *response {
	return &response{session: s, proc: proc, command: command}
}

// response iterates over the lines the peer prints for one command. Prompt echoes and blank lines are
// skipped; iteration ends at the Done line, at peer exit or when the context is cancelled.
type response struct {
	session  *Session
	proc     *peerProcess
	command  string
	finished bool
	complete bool
	err      error
}

func (r *response) Next(ctx *seiscontext.Context) (string, bool) {
	for !r.finished {
		select {
		case <-ctx.Done():
			r.finished = true
			r.err = errors.WithStack(ctx.Err())
			r.session.release(r.proc)
			r.proc.kill()
			ctx.Log.Debugf("killed peer while waiting for response to %q", r.command)
		case line, ok := <-r.proc.lines:
			if !ok {
				r.finished = true
				r.err = r.exited(ctx)
				continue
			}
			if r.session.config.EchoOutput {
				ctx.Log.Debug(line)
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, promptPrefix) {
				continue
			}
			if line == doneLine {
				r.finished = true
				r.complete = true
				continue
			}
			return line, true
		}
	}
	return "", false
}

func (r *response) exited(ctx *seiscontext.Context) error {
	<-r.proc.exited
	r.session.release(r.proc)
	interrupted, code, err := classifyExit(r.proc.exitErr)
	if interrupted {
		ctx.Log.Infof("peer interrupted while running %q [exit-code %d]", r.command, code)
		return nil
	}
	return err
}

// Err returns the error that ended the response early, if any.
func (r *response) Err() error {
	return r.err
}

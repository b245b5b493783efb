package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/archive"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
	"github.com/pieqf/seisfetch/internal/seisfetch/metrics"
	"github.com/pieqf/seisfetch/internal/seisfetch/stations"
	"github.com/pieqf/seisfetch/internal/seisfetch/stp"
)

var baseTime = time.Date(2020, 1, 2, 4, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu sync.Mutex

	network    string
	connectErr map[string]error
	// Responses to GetEvent per event id, consumed in order. The last one repeats.
	metadata    map[string][]*domain.Event
	metadataErr map[string]error
	stations    []domain.Station
	waveforms   map[string][]domain.Waveform
	downloads   map[string]int
	onDownload  func(eventId string)

	connects       []string
	disconnects    int
	getEventCalls  map[string]int
	downloadCalls  []string
	connectedSince time.Time
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		connectErr:    map[string]error{},
		metadata:      map[string][]*domain.Event{},
		metadataErr:   map[string]error{},
		waveforms:     map[string][]domain.Waveform{},
		downloads:     map[string]int{},
		getEventCalls: map[string]int{},
		stations: []domain.Station{
			{Id: "CI.PAS", Location: domain.Location{Latitude: 34.148, Longitude: -118.171}},
			{Id: "CI.USC", Location: domain.Location{Latitude: 34.019, Longitude: -118.286}},
			{Id: "NC.BKS", Location: domain.Location{Latitude: 37.876, Longitude: -122.236}},
		},
	}
}

func (f *fakeSession) Network() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.network
}

func (f *fakeSession) Connect(_ *seiscontext.Context, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, network)
	if err := f.connectErr[network]; err != nil {
		return err
	}
	f.network = network
	f.connectedSince = baseTime
	return nil
}

func (f *fakeSession) Disconnect(_ *seiscontext.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.network != "" {
		f.disconnects++
	}
	f.network = ""
	f.connectedSince = time.Time{}
}

func (f *fakeSession) GetEvent(_ *seiscontext.Context, eventId string) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := f.getEventCalls[eventId]
	f.getEventCalls[eventId]++
	if err := f.metadataErr[eventId]; err != nil {
		delete(f.metadataErr, eventId)
		if stp.IsDisconnected(err) {
			f.network = ""
		}
		return nil, err
	}
	responses := f.metadata[eventId]
	if len(responses) == 0 {
		return nil, nil
	}
	if calls >= len(responses) {
		calls = len(responses) - 1
	}
	return responses[calls], nil
}

func (f *fakeSession) ListStations(_ *seiscontext.Context) ([]domain.Station, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stations, len(f.stations), nil
}

func (f *fakeSession) QueryAvailability(_ *seiscontext.Context, eventId string, _ string) ([]domain.Waveform, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waveforms[eventId], len(f.waveforms[eventId]), nil
}

func (f *fakeSession) Download(_ *seiscontext.Context, eventId string, _ []string, _ []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls = append(f.downloadCalls, eventId)
	if f.onDownload != nil {
		f.onDownload(eventId)
	}
	return f.downloads[eventId], nil
}

func (f *fakeSession) ConnectedSince() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectedSince, !f.connectedSince.IsZero()
}

func (f *fakeSession) Signal(_ os.Signal) error {
	return nil
}

func (f *fakeSession) getEventCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getEventCalls[id]
}

type fakeSource struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *fakeSource) GetAllIds() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids
}

func sourceOf(ids ...string) *fakeSource {
	s := &fakeSource{ids: map[string]struct{}{}}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func event(network, id, eventType string) *domain.Event {
	return &domain.Event{
		Network:   network,
		Id:        id,
		Type:      eventType,
		Time:      baseTime.Add(-time.Hour),
		Location:  domain.Location{Latitude: 34.1, Longitude: -118.2},
		Magnitude: domain.Float64(3.2),
	}
}

func available(eventId string, stationIds ...string) []domain.Waveform {
	waveforms := make([]domain.Waveform, len(stationIds))
	for i, id := range stationIds {
		waveforms[i] = domain.Waveform{StationId: id, Channel: "HHZ", Duration: time.Minute}
	}
	return waveforms
}

type testWorker struct {
	*Worker
	session *fakeSession
	clock   *clock.FakeClock
}

func newTestWorker(t *testing.T, events []*domain.Event, session *fakeSession, source EventIdSource, a *archive.Archive, config Config) *testWorker {
	fakeClock := clock.NewFakeClock(baseTime)
	w := NewWorker("STP[1]", events, Dependencies{
		Session: session,
		Catalog: stations.NewCatalog(),
		Archive: a,
		Source:  source,
		Clock:   fakeClock,
	}, config)
	t.Cleanup(w.Stop)
	return &testWorker{Worker: w, session: session, clock: fakeClock}
}

func (w *testWorker) awaitSleep(t *testing.T) {
	require.Eventually(t, w.clock.HasWaiters, 5*time.Second, time.Millisecond)
}

func (w *testWorker) awaitDone(t *testing.T) {
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not finish, state %s", w.State())
	}
}

func TestWorker_DownloadsSeismograms(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	session.metadata["E1"] = []*domain.Event{e1}
	session.waveforms["E1"] = available("E1", "CI.PAS", "CI.USC")
	session.downloads["E1"] = 4

	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf("E1"), nil, Config{NumStations: 2})
	assert.Equal(t, Created, w.State())
	w.Start(seiscontext.Background())
	w.awaitDone(t)

	assert.True(t, w.IsDone())
	assert.Equal(t, Finished, w.State())
	assert.Equal(t, map[string]int{"E1": 4}, w.Downloads())
	assert.Empty(t, w.DrainRejections())
	assert.NoError(t, w.Err())
	assert.Equal(t, []string{"CI"}, session.connects)
	assert.Equal(t, 1, session.disconnects)
}

func TestWorker_RejectsManMadeEvents(t *testing.T) {
	session := newFakeSession()
	e2 := event("CI", "E2", "qb")
	session.metadata["E2"] = []*domain.Event{e2}

	w := newTestWorker(t, []*domain.Event{e2}, session, sourceOf("E2"), nil, Config{})
	w.Start(seiscontext.Background())
	w.awaitDone(t)

	rejections := w.DrainRejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, e2, rejections[0].Event)
	assert.Contains(t, rejections[0].Reason, "man-made")
	assert.Empty(t, w.DrainRejections())
	assert.Empty(t, session.downloadCalls)
	assert.Equal(t, 1, session.getEventCount("E2"))
	assert.Empty(t, w.Downloads())
}

func TestWorker_RetriesEventWithoutMetadataAfterLongDelay(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	session.metadata["E1"] = []*domain.Event{nil, e1}
	session.waveforms["E1"] = available("E1", "CI.PAS")
	session.downloads["E1"] = 1

	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf("E1"), nil, Config{})
	w.Start(seiscontext.Background())

	w.awaitSleep(t)
	assert.Equal(t, Idle, w.State())
	assert.Empty(t, w.DrainRejections())

	w.clock.Step(DefaultLongRetryDelay - time.Second)
	assert.False(t, w.IsDone())
	assert.Equal(t, 1, session.getEventCount("E1"))

	w.clock.Step(time.Second)
	w.awaitDone(t)
	assert.Equal(t, 2, session.getEventCount("E1"))
	assert.Equal(t, map[string]int{"E1": 1}, w.Downloads())
	assert.Empty(t, w.DrainRejections())
}

func TestWorker_RecordsRetryClassWhenDelaysAreEqual(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	session.metadata["E1"] = []*domain.Event{nil, e1}
	session.waveforms["E1"] = available("E1", "CI.PAS")
	session.downloads["E1"] = 1
	registry := prometheus.NewRegistry()

	fakeClock := clock.NewFakeClock(baseTime)
	w := NewWorker("STP[1]", []*domain.Event{e1}, Dependencies{
		Session: session,
		Catalog: stations.NewCatalog(),
		Source:  sourceOf("E1"),
		Clock:   fakeClock,
		Metrics: metrics.NewMetrics(metrics.SeisfetchMetricsPrefix, registry),
	}, Config{ShortRetryDelay: time.Minute, LongRetryDelay: time.Minute})
	t.Cleanup(w.Stop)
	w.Start(seiscontext.Background())

	require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, time.Millisecond)
	fakeClock.Step(time.Minute)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}

	assert.Equal(t, map[string]int{"E1": 1}, w.Downloads())
	expected := `
# HELP seisfetch_event_retries Number of events queued for another attempt grouped by delay class
# TYPE seisfetch_event_retries counter
seisfetch_event_retries{class="long"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "seisfetch_event_retries"))
}

func TestWorker_RetriesAfterShortDelayWhenDisconnected(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	session.metadata["E1"] = []*domain.Event{e1}
	session.metadataErr["E1"] = &stp.ErrDisconnected{ExitCode: 3}
	session.waveforms["E1"] = available("E1", "CI.PAS")
	session.downloads["E1"] = 2

	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf("E1"), nil, Config{})
	w.Start(seiscontext.Background())

	w.awaitSleep(t)
	w.clock.Step(DefaultShortRetryDelay)
	w.awaitDone(t)
	assert.Equal(t, map[string]int{"E1": 2}, w.Downloads())
	assert.Equal(t, []string{"CI", "CI"}, session.connects)
}

func TestWorker_RejectsPendingEventsWhenRetryWindowExpires(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	e3 := event("CI", "E3", "le")

	w := newTestWorker(t, []*domain.Event{e1, e3}, session, sourceOf("E1", "E3"), nil, Config{RetryWindow: 10 * time.Minute})
	w.Start(seiscontext.Background())

	for i := 0; i < 2; i++ {
		w.awaitSleep(t)
		w.clock.Step(DefaultLongRetryDelay)
	}
	w.awaitDone(t)

	rejections := w.DrainRejections()
	require.Len(t, rejections, 2)
	assert.Equal(t, "timed out", rejections[0].Reason)
	assert.Equal(t, e1, rejections[0].Event)
	assert.Equal(t, "timed out", rejections[1].Reason)
	assert.Equal(t, e3, rejections[1].Event)
	assert.Equal(t, 3, session.getEventCount("E1"))
	assert.Equal(t, Finished, w.State())
}

func TestWorker_DropsEventsNoLongerInCatalog(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")

	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf(), nil, Config{})
	w.Start(seiscontext.Background())

	w.awaitSleep(t)
	w.clock.Step(DefaultLongRetryDelay)
	w.awaitDone(t)
	assert.Empty(t, w.DrainRejections())
	assert.Equal(t, 1, session.getEventCount("E1"))
}

func TestWorker_SwitchesNetworks(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")
	e9 := event("NC", "E9", "le")
	session.metadata["E1"] = []*domain.Event{e1}
	session.metadata["E9"] = []*domain.Event{e9}
	session.waveforms["E1"] = available("E1", "CI.PAS")
	session.waveforms["E9"] = available("E9", "NC.BKS")
	session.downloads["E1"] = 1
	session.downloads["E9"] = 3

	w := newTestWorker(t, []*domain.Event{e1, e9}, session, sourceOf("E1", "E9"), nil, Config{})
	w.Start(seiscontext.Background())
	w.awaitDone(t)

	assert.Equal(t, []string{"CI", "NC"}, session.connects)
	assert.Equal(t, 2, session.disconnects)
	assert.Equal(t, map[string]int{"E1": 1, "E9": 3}, w.Downloads())
}

func TestWorker_RemovesMetadataOnlyDirectory(t *testing.T) {
	a, err := archive.New(t.TempDir())
	require.NoError(t, err)
	session := newFakeSession()
	e6 := event("CI", "E6", "re")
	session.metadata["E6"] = []*domain.Event{e6}
	session.waveforms["E6"] = available("E6", "CI.PAS")
	session.onDownload = func(eventId string) {
		require.NoError(t, os.MkdirAll(a.EventDir(eventId), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(a.EventDir(eventId), eventId+archive.MetadataSuffix), nil, 0o644))
	}

	w := newTestWorker(t, []*domain.Event{e6}, session, sourceOf("E6"), a, Config{})
	w.Start(seiscontext.Background())
	w.awaitSleep(t)

	_, err = os.Stat(a.EventDir("E6"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"E6"}, session.downloadCalls)
	assert.Empty(t, w.DrainRejections())
}

func TestWorker_FatalPeerErrorAbortsWorker(t *testing.T) {
	session := newFakeSession()
	session.connectErr["CI"] = &stp.ErrFatalPeer{ExitCode: -8, MissingConfiguration: true, Message: "Peer config-file not found"}
	e1 := event("CI", "E1", "le")
	e2 := event("CI", "E2", "le")

	w := newTestWorker(t, []*domain.Event{e1, e2}, session, sourceOf("E1", "E2"), nil, Config{})
	w.Start(seiscontext.Background())
	w.awaitDone(t)

	assert.True(t, stp.IsMissingConfiguration(w.Err()))
	assert.Equal(t, []string{"CI"}, session.connects)
	assert.Empty(t, w.DrainRejections())
}

func TestWorker_ConnectFailureIsRetried(t *testing.T) {
	session := newFakeSession()
	session.connectErr["XX"] = &stp.ErrSession{Reason: "unrecognized network code 'XX'"}
	ex := event("XX", "E1", "le")

	w := newTestWorker(t, []*domain.Event{ex}, session, sourceOf("E1"), nil, Config{RetryWindow: time.Minute})
	w.Start(seiscontext.Background())
	for i := 0; i < 2; i++ {
		w.awaitSleep(t)
		w.clock.Step(DefaultShortRetryDelay)
	}
	w.awaitDone(t)

	assert.NoError(t, w.Err())
	assert.Equal(t, []string{"XX", "XX", "XX"}, session.connects)
	rejections := w.DrainRejections()
	require.Len(t, rejections, 1)
	assert.Equal(t, "timed out", rejections[0].Reason)
}

func TestWorker_StopInterruptsRetrySleep(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")

	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf("E1"), nil, Config{})
	w.Start(seiscontext.Background())
	w.awaitSleep(t)

	w.Stop()
	assert.True(t, w.IsDone())
	assert.Equal(t, Finished, w.State())
	assert.Empty(t, w.DrainRejections())
	assert.NoError(t, w.Err())
}

func TestWorker_CancelledContextStopsWorker(t *testing.T) {
	session := newFakeSession()
	e1 := event("CI", "E1", "le")

	ctx, cancel := seiscontext.WithCancel(seiscontext.Background())
	cancel()
	w := newTestWorker(t, []*domain.Event{e1}, session, sourceOf("E1"), nil, Config{})
	w.Start(ctx)
	w.awaitDone(t)

	assert.Empty(t, session.connects)
	assert.Empty(t, w.Downloads())
}

func TestWorker_StopBeforeStart(t *testing.T) {
	w := newTestWorker(t, nil, newFakeSession(), sourceOf(), nil, Config{})
	w.Stop()
	assert.True(t, w.IsDone())
	assert.Equal(t, Finished, w.State())
}

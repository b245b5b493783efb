package eventsource

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
	"k8s.io/utils/clock"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

const DefaultPollInterval = 5 * time.Second

var ErrNoEvents = errors.New("no events in catalog")

type catalogDocument struct {
	Events []eventRecord `yaml:"events"`
}

type eventRecord struct {
	Network       string   `yaml:"network"`
	Id            string   `yaml:"id"`
	Type          string   `yaml:"type"`
	Time          string   `yaml:"time"`
	Latitude      float64  `yaml:"latitude"`
	Longitude     float64  `yaml:"longitude"`
	Depth         *float64 `yaml:"depth,omitempty"`
	Magnitude     *float64 `yaml:"magnitude,omitempty"`
	MagnitudeType string   `yaml:"magnitudeType,omitempty"`
	Quality       *float64 `yaml:"quality,omitempty"`
}

func (r eventRecord) toEvent() (*domain.Event, error) {
	if r.Network == "" || r.Id == "" {
		return nil, errors.Errorf("event %q of network %q: network and id are required", r.Id, r.Network)
	}
	t, err := time.Parse(time.RFC3339, r.Time)
	if err != nil {
		return nil, errors.Wrapf(err, "event %s:%s", r.Network, r.Id)
	}
	return &domain.Event{
		Network:       r.Network,
		Id:            r.Id,
		Type:          r.Type,
		Time:          t.UTC(),
		Location:      domain.Location{Latitude: r.Latitude, Longitude: r.Longitude},
		Depth:         r.Depth,
		Magnitude:     r.Magnitude,
		MagnitudeType: r.MagnitudeType,
		Quality:       r.Quality,
	}, nil
}

// CatalogFile is an EventSource backed by a YAML file listing events. The file is polled for changes; every
// change produces a new snapshot. Rejected events are kept in a YAML blacklist file mapping id to reason.
type CatalogFile struct {
	path          string
	blacklistPath string
	pollInterval  time.Duration
	clock         clock.Clock

	mu        sync.Mutex
	events    []*domain.Event
	blacklist map[string]string
	modTime   time.Time
	ready     bool
	// generation counts snapshots; seen is the generation the last Wait returned for.
	generation uint64
	seen       uint64
	updated    chan struct{}
}

func NewCatalogFile(path string, blacklistPath string, pollInterval time.Duration, clock clock.Clock) *CatalogFile {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &CatalogFile{
		path:          path,
		blacklistPath: blacklistPath,
		pollInterval:  pollInterval,
		clock:         clock,
		blacklist:     map[string]string{},
		updated:       make(chan struct{}),
	}
}

// Run polls the catalog file until ctx is cancelled.
func (c *CatalogFile) Run(ctx *seiscontext.Context) error {
	if err := c.loadBlacklist(); err != nil {
		ctx.Log.WithError(err).Warn("failed to load blacklist")
	}
	for {
		if err := c.poll(ctx); err != nil {
			ctx.Log.WithError(err).Warn("failed to load event catalog")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.pollInterval):
		}
	}
}

// poll loads the catalog if it changed since the last load.
func (c *CatalogFile) poll(ctx *seiscontext.Context) error {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			ctx.Log.Debugf("event catalog %s does not exist yet", c.path)
			return nil
		}
		return errors.WithStack(err)
	}
	c.mu.Lock()
	unchanged := c.ready && info.ModTime().Equal(c.modTime)
	c.mu.Unlock()
	if unchanged {
		return nil
	}
	return c.load(ctx)
}

func (c *CatalogFile) load(ctx *seiscontext.Context) error {
	info, err := os.Stat(c.path)
	if err != nil {
		return errors.WithStack(err)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return errors.WithStack(err)
	}
	var document catalogDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return errors.Wrapf(err, "parsing %s", c.path)
	}

	var problems *multierror.Error
	events := make([]*domain.Event, 0, len(document.Events))
	seen := map[string]bool{}
	for _, record := range document.Events {
		event, err := record.toEvent()
		if err != nil {
			problems = multierror.Append(problems, err)
			continue
		}
		if seen[event.Id] {
			problems = multierror.Append(problems, errors.Errorf("duplicate event id %s", event.Id))
			continue
		}
		seen[event.Id] = true
		events = append(events, event)
	}
	if err := problems.ErrorOrNil(); err != nil {
		ctx.Log.Warnf("skipped events of %s: %s", c.path, err)
	}

	c.mu.Lock()
	c.events = events
	c.modTime = info.ModTime()
	c.ready = true
	c.publish()
	c.mu.Unlock()
	ctx.Log.Infof("loaded %d events from %s", len(events), c.path)
	return nil
}

// publish wakes every waiter. Must be called with mu held.
func (c *CatalogFile) publish() {
	c.generation++
	close(c.updated)
	c.updated = make(chan struct{})
}

func (c *CatalogFile) loadBlacklist() error {
	if c.blacklistPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.blacklistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	blacklist := map[string]string{}
	if err := yaml.Unmarshal(data, &blacklist); err != nil {
		return errors.Wrapf(err, "parsing %s", c.blacklistPath)
	}
	c.mu.Lock()
	c.blacklist = blacklist
	c.mu.Unlock()
	return nil
}

// saveBlacklist writes the blacklist atomically. Must be called with mu held.
func (c *CatalogFile) saveBlacklist() error {
	if c.blacklistPath == "" {
		return nil
	}
	data, err := yaml.Marshal(c.blacklist)
	if err != nil {
		return errors.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.blacklistPath), ".blacklist-*")
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), c.blacklistPath))
}

func (c *CatalogFile) GetAll() []*domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]*domain.Event, 0, len(c.events))
	for _, e := range c.events {
		if _, blacklisted := c.blacklist[e.Id]; !blacklisted {
			events = append(events, e)
		}
	}
	return events
}

func (c *CatalogFile) GetAllIds() map[string]struct{} {
	events := c.GetAll()
	ids := make(map[string]struct{}, len(events))
	for _, e := range events {
		ids[e.Id] = struct{}{}
	}
	return ids
}

func (c *CatalogFile) GetEvent(magnitude float64) (*domain.Event, error) {
	var closest *domain.Event
	best := math.Inf(1)
	for _, e := range c.GetAll() {
		if e.Magnitude == nil {
			continue
		}
		if d := math.Abs(*e.Magnitude - magnitude); d < best {
			best = d
			closest = e
		}
	}
	if closest == nil {
		return nil, ErrNoEvents
	}
	return closest, nil
}

func (c *CatalogFile) BlackListEvent(event *domain.Event, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist[event.Id] = reason
	return c.saveBlacklist()
}

// Blacklist returns a copy of the blacklisted ids and their reasons.
func (c *CatalogFile) Blacklist() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.blacklist)
}

func (c *CatalogFile) Wait(ctx *seiscontext.Context, timeout time.Duration) bool {
	c.mu.Lock()
	if c.generation != c.seen {
		c.seen = c.generation
		c.mu.Unlock()
		return true
	}
	updated := c.updated
	c.mu.Unlock()

	select {
	case <-updated:
	case <-ctx.Done():
		return false
	case <-c.clock.After(timeout):
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = c.generation
	return true
}

func (c *CatalogFile) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *CatalogFile) Reload() error {
	if err := c.loadBlacklist(); err != nil {
		return err
	}
	c.mu.Lock()
	ids := maps.Keys(c.blacklist)
	c.mu.Unlock()
	slices.Sort(ids)
	log.Debugf("blacklisted ids: %v", ids)

	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		return nil
	}
	return c.load(seiscontext.Background())
}

func (c *CatalogFile) ModTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modTime
}

package stations

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

const DefaultAvailabilityTTL = 10 * time.Minute

// ErrUnknownStation is returned when a data center reports data for a station missing from its own station list.
type ErrUnknownStation struct {
	StationId string
}

func (err *ErrUnknownStation) Error() string {
	return fmt.Sprintf("unknown station '%s'", err.StationId)
}

// availability is what a data center holds for one event, per station in the order first reported.
type availability struct {
	order   []string
	records map[string][]domain.Waveform
}

func (a *availability) add(w domain.Waveform) {
	if _, ok := a.records[w.StationId]; !ok {
		a.order = append(a.order, w.StationId)
	}
	a.records[w.StationId] = append(a.records[w.StationId], w)
}

func (a *availability) total() int {
	n := 0
	for _, records := range a.records {
		n += len(records)
	}
	return n
}

// Selector picks the stations closest to an event among those holding data for it.
// Availability responses are cached per event.
type Selector struct {
	catalog      *Catalog
	availability *cache.Cache
}

func NewSelector(catalog *Catalog, availabilityTTL time.Duration) *Selector {
	if availabilityTTL <= 0 {
		availabilityTTL = DefaultAvailabilityTTL
	}
	return &Selector{
		catalog:      catalog,
		availability: cache.New(availabilityTTL, availabilityTTL),
	}
}

func (s *Selector) Catalog() *Catalog {
	return s.catalog
}

// GetAvailable queries availability of event on every channel spec and caches the combined result.
// It returns the number of waveform records received.
func (s *Selector) GetAvailable(ctx *seiscontext.Context, session Session, event *domain.Event, chanSpecs []string) (int, error) {
	avail := &availability{records: map[string][]domain.Waveform{}}
	reported := 0
	for _, chanSpec := range chanSpecs {
		waveforms, n, err := session.QueryAvailability(ctx, event.Id, chanSpec)
		if err != nil {
			return 0, err
		}
		reported += n
		for _, w := range waveforms {
			avail.add(w)
		}
	}
	total := avail.total()
	if total != reported {
		ctx.Log.Warnf("number of available seismograms (%d) does not match count (%d)", total, reported)
	}
	s.availability.SetDefault(event.Key(), avail)
	return total, nil
}

// Nearest returns up to numStations ids of stations with data for event, closest first. Distance is the
// planar distance between coordinates in degrees, which is adequate for ranking stations of one region.
func (s *Selector) Nearest(ctx *seiscontext.Context, session Session, event *domain.Event, numStations int, chanSpecs []string) ([]string, error) {
	avail, ok := s.cached(event)
	if !ok {
		if _, err := s.GetAvailable(ctx, session, event, chanSpecs); err != nil {
			return nil, err
		}
		avail, _ = s.cached(event)
	}
	if avail == nil || len(avail.order) == 0 {
		return nil, nil
	}

	network := session.Network()
	refreshed := false
	for _, id := range avail.order {
		if _, known := s.catalog.Lookup(network, id); known {
			continue
		}
		if !refreshed {
			if len(s.catalog.Stations(network)) > 0 {
				ctx.Log.Warnf("unknown station '%s', re-fetching station list", id)
			}
			if _, err := s.catalog.GetStations(ctx, session); err != nil {
				return nil, err
			}
			refreshed = true
		}
		if _, known := s.catalog.Lookup(network, id); !known {
			return nil, &ErrUnknownStation{StationId: id}
		}
	}

	type candidate struct {
		id       string
		distance float64
	}
	candidates := make([]candidate, 0, len(avail.order))
	for _, station := range s.catalog.Stations(network) {
		if len(avail.records[station.Id]) == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			id: station.Id,
			distance: math.Hypot(
				station.Location.Latitude-event.Location.Latitude,
				station.Location.Longitude-event.Location.Longitude,
			),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	if numStations > len(candidates) {
		numStations = len(candidates)
	}
	if numStations < 0 {
		numStations = 0
	}
	if ctx.Log.Logger.IsLevelEnabled(log.DebugLevel) {
		distances := make([]string, len(candidates))
		for i, c := range candidates {
			distances[i] = fmt.Sprintf("%s=%.3f", c.id, c.distance)
		}
		ctx.Log.Debugf("distances from %s: %s", event.Key(), strings.Join(distances, " "))
	}
	nearest := make([]string, numStations)
	for i := range nearest {
		nearest[i] = candidates[i].id
	}
	return nearest, nil
}

// Forget drops the cached availability of event.
func (s *Selector) Forget(event *domain.Event) {
	s.availability.Delete(event.Key())
}

// Reset drops all cached availability.
func (s *Selector) Reset() {
	s.availability.Flush()
}

func (s *Selector) cached(event *domain.Event) (*availability, bool) {
	v, ok := s.availability.Get(event.Key())
	if !ok {
		return nil, false
	}
	return v.(*availability), true
}

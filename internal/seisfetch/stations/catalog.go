package stations

import (
	"sync"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

// Session is the part of the peer protocol the station catalog and selector need.
type Session interface {
	Network() string
	ListStations(ctx *seiscontext.Context) ([]domain.Station, int, error)
	QueryAvailability(ctx *seiscontext.Context, eventId string, chanSpec string) ([]domain.Waveform, int, error)
}

// Catalog caches station coordinates per network. It is shared by every worker; each network keeps its
// stations in the order they were first seen.
type Catalog struct {
	mu       sync.Mutex
	networks map[string]*networkStations
}

type networkStations struct {
	order     []string
	locations map[string]domain.Location
}

func NewCatalog() *Catalog {
	return &Catalog{networks: map[string]*networkStations{}}
}

// GetStations lists the stations of the session's network and merges them into the catalog.
// It returns the number of stations in the response.
func (c *Catalog) GetStations(ctx *seiscontext.Context, session Session) (int, error) {
	network := session.Network()
	stations, reported, err := session.ListStations(ctx)
	if err != nil {
		return 0, err
	}
	if reported != len(stations) {
		ctx.Log.Warnf("number of stations received (%d) does not match station count (%d)", len(stations), reported)
	}
	added := c.Merge(network, stations)
	ctx.Log.Debugf("received %d stations of %s, %d new", len(stations), network, added)
	return len(stations), nil
}

// Merge adds stations to network, updating the coordinates of stations already known. Merging the same
// stations again changes nothing. It returns the number of stations that were new.
func (c *Catalog) Merge(network string, stations []domain.Station) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.networks[network]
	if !ok {
		ns = &networkStations{locations: map[string]domain.Location{}}
		c.networks[network] = ns
	}
	added := 0
	for _, station := range stations {
		if _, known := ns.locations[station.Id]; !known {
			ns.order = append(ns.order, station.Id)
			added++
		}
		ns.locations[station.Id] = station.Location
	}
	return added
}

func (c *Catalog) Lookup(network string, stationId string) (domain.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.networks[network]
	if !ok {
		return domain.Location{}, false
	}
	location, ok := ns.locations[stationId]
	return location, ok
}

// Stations returns a copy of the stations of network in catalog order.
func (c *Catalog) Stations(network string) []domain.Station {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.networks[network]
	if !ok {
		return nil
	}
	stations := make([]domain.Station, len(ns.order))
	for i, id := range ns.order {
		stations[i] = domain.Station{Id: id, Location: ns.locations[id]}
	}
	return stations
}

// Counts returns the number of known stations per network.
func (c *Catalog) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int, len(c.networks))
	for network, ns := range c.networks {
		counts[network] = len(ns.order)
	}
	return counts
}

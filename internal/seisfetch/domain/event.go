package domain

import (
	"fmt"
	"strings"
	"time"
)

// Location is a geographic position in decimal degrees.
type Location struct {
	Latitude  float64
	Longitude float64
}

func (l Location) String() string {
	lat := fmt.Sprintf("%.3f°N", l.Latitude)
	if l.Latitude < 0 {
		lat = fmt.Sprintf("%.3f°S", -l.Latitude)
	}
	lon := fmt.Sprintf("%.3f°E", l.Longitude)
	if l.Longitude < 0 {
		lon = fmt.Sprintf("%.3f°W", -l.Longitude)
	}
	return lat + "," + lon
}

// Event is a seismic occurrence as reported by the catalog or by a data center.
// Events are never modified after creation; identity is (Network, Id).
type Event struct {
	Network       string
	Id            string
	Type          string
	Time          time.Time
	Location      Location
	Depth         *float64
	Magnitude     *float64
	MagnitudeType string
	Quality       *float64
}

// Key is the event's network code and id joined by a colon, e.g. "CI:14383980".
func (e *Event) Key() string {
	return e.Network + ":" + e.Id
}

// Describe renders the event's metadata on one line for logging.
func (e *Event) Describe() string {
	var b strings.Builder
	b.WriteString(e.Key())
	b.WriteString(" on ")
	b.WriteString(e.Time.UTC().Format("Jan 02 2006 - 15:04:05 UTC"))
	if e.Magnitude != nil {
		fmt.Fprintf(&b, ", mag %.1f", *e.Magnitude)
		if e.MagnitudeType != "" {
			fmt.Fprintf(&b, " (%s)", e.MagnitudeType)
		}
	}
	if e.Type != "" {
		fmt.Fprintf(&b, ", type '%s'", e.Type)
	}
	fmt.Fprintf(&b, ", at %s", e.Location)
	if e.Depth != nil {
		fmt.Fprintf(&b, ", %.1f km deep", *e.Depth)
	}
	if e.Quality != nil {
		fmt.Fprintf(&b, ", quality %.1f", *e.Quality)
	}
	return b.String()
}

// EventKeys renders a list of events as "CI:1, CI:2" for log messages.
func EventKeys(events []*Event) string {
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = e.Key()
	}
	return strings.Join(keys, ", ")
}

// EventIds returns the ids of events in order.
func EventIds(events []*Event) []string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.Id
	}
	return ids
}

// Station is a seismograph site. Id has the form NET.STA.
type Station struct {
	Id       string
	Location Location
}

// SplitStationId splits "CI.PASC" into its network and station codes.
func SplitStationId(id string) (network string, station string, ok bool) {
	network, station, ok = strings.Cut(id, ".")
	if !ok || network == "" || station == "" || strings.Contains(station, ".") {
		return "", "", false
	}
	return network, station, true
}

// Waveform is one record of an availability response: a seismogram a station holds for an event.
type Waveform struct {
	StationId    string
	Channel      string
	LocationCode string
	Start        time.Time
	Duration     time.Duration
}

// Rejection is an event a worker has given up on for good, together with the reason.
type Rejection struct {
	Event  *Event
	Reason string
}

func Float64(f float64) *float64 {
	return &f
}

package stp

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

const (
	promptPrefix = "STP>"
	doneLine     = "Done"
	countMarker  = "#"
	noDataMarker = "No"

	timeLayout = "2006/01/02,15:04:05"
)

// OutputFormats are the seismogram file formats the peer can write.
var OutputFormats = []string{"SAC", "SEED", "MSEED", "FLT32", "INT32", "ASCII", "V0", "COSMOS-V0", "V1", "COSMOS-V1"}

// ValidateFormat returns the canonical (upper case) name of format.
func ValidateFormat(format string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(format))
	for _, f := range OutputFormats {
		if f == upper {
			return f, nil
		}
	}
	return "", &ErrSession{Reason: "unrecognized output-format '" + format + "'"}
}

// ValidateChannel checks a channel code such as "HHZ", or a pattern using the % and _ wildcards such as "H%".
func ValidateChannel(channel string) error {
	invalid := &ErrSession{Reason: "invalid channel '" + channel + "'"}
	if channel == "" || len(channel) > 3 {
		return invalid
	}
	if len(channel) < 3 {
		if !strings.Contains(channel, "%") {
			return invalid
		}
		return nil
	}
	if !strings.ContainsRune("HL_%", rune(channel[1])) || !strings.ContainsRune("ENZ23_%", rune(channel[2])) {
		return invalid
	}
	return nil
}

func isCountLine(tokens []string) bool {
	return tokens[0] == countMarker
}

// parseCount reads the trailing integer of a "# Number of ...: <n>" summary line.
func parseCount(tokens []string) (int, error) {
	count, err := strconv.Atoi(strings.TrimSuffix(tokens[len(tokens)-1], "."))
	if err != nil {
		return 0, errors.Errorf("non-int value in count message: %s", tokens[len(tokens)-1])
	}
	return count, nil
}

func parseFloat(what string, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Errorf("non-float value in %s: %s", what, value)
	}
	return f, nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid time value: %s", value)
	}
	return t, nil
}

// parseDuration reads durations such as "60.0s" or "2.5m".
func parseDuration(value string) (time.Duration, error) {
	if len(value) < 2 {
		return 0, errors.Errorf("invalid duration value: %s", value)
	}
	var unit time.Duration
	switch value[len(value)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	default:
		return 0, errors.Errorf("unknown time-unit in duration value '%s'", value)
	}
	f, err := parseFloat("duration", value[:len(value)-1])
	if err != nil {
		return 0, err
	}
	return time.Duration(f * float64(unit)), nil
}

// parseStation reads "<id> <lat> <lon>".
func parseStation(tokens []string) (domain.Station, error) {
	if len(tokens) < 3 {
		return domain.Station{}, errors.New("expected station id, latitude and longitude")
	}
	lat, err := parseFloat("station '"+tokens[0]+"' data", tokens[1])
	if err != nil {
		return domain.Station{}, err
	}
	lon, err := parseFloat("station '"+tokens[0]+"' data", tokens[2])
	if err != nil {
		return domain.Station{}, err
	}
	return domain.Station{Id: tokens[0], Location: domain.Location{Latitude: lat, Longitude: lon}}, nil
}

// parseEvent reads "<id> <type> <time> <lat> <lon> <depth> <mag> <magtype> <qual>".
// A line of the form "<id> No ..." means the data center has nothing for the event; parseEvent returns nil then.
func parseEvent(network string, tokens []string) (*domain.Event, error) {
	if len(tokens) >= 2 && tokens[1] == noDataMarker {
		return nil, nil
	}
	if len(tokens) < 9 {
		return nil, errors.New("expected 9 event fields")
	}
	id := tokens[0]
	eventTime, err := parseTime(tokens[2])
	if err != nil {
		return nil, err
	}
	lat, err := parseFloat("event '"+id+"' location", tokens[3])
	if err != nil {
		return nil, err
	}
	lon, err := parseFloat("event '"+id+"' location", tokens[4])
	if err != nil {
		return nil, err
	}
	depth, err := parseFloat("event '"+id+"' depth", tokens[5])
	if err != nil {
		return nil, err
	}
	mag, err := parseFloat("event '"+id+"' magnitude", tokens[6])
	if err != nil {
		return nil, err
	}
	quality, err := parseFloat("event '"+id+"' quality", tokens[8])
	if err != nil {
		return nil, err
	}
	return &domain.Event{
		Network:       network,
		Id:            id,
		Type:          tokens[1],
		Time:          eventTime,
		Location:      domain.Location{Latitude: lat, Longitude: lon},
		Depth:         &depth,
		Magnitude:     &mag,
		MagnitudeType: tokens[7],
		Quality:       &quality,
	}, nil
}

// parseWaveform reads "<net> <sta> <chan> [<loc>] ... <time> <duration>". The optional location code sits in
// the fourth column unless that column holds one of the T/C data-type flags.
func parseWaveform(tokens []string) (domain.Waveform, error) {
	if len(tokens) < 5 {
		return domain.Waveform{}, errors.New("expected network, station, channel, [location], time and duration")
	}
	w := domain.Waveform{
		StationId: tokens[0] + "." + tokens[1],
		Channel:   tokens[2],
	}
	if len(tokens) > 5 && tokens[3] != "T" && tokens[3] != "C" {
		w.LocationCode = tokens[3]
	}
	start, err := parseTime(tokens[len(tokens)-2])
	if err != nil {
		return domain.Waveform{}, err
	}
	duration, err := parseDuration(tokens[len(tokens)-1])
	if err != nil {
		return domain.Waveform{}, err
	}
	w.Start = start
	w.Duration = duration
	return w, nil
}

// parseStatus reads "<key> = <value>". ok is false for lines without an equals sign.
func parseStatus(line string) (key string, value string, ok bool) {
	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

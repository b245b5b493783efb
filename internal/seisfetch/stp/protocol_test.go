package stp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChannel(t *testing.T) {
	tests := map[string]bool{
		"HHZ":  true,
		"H%":   true,
		"%":    true,
		"B_3":  true,
		"E%N":  true,
		"HH":   false,
		"HHZZ": false,
		"":     false,
		"HXZ":  false,
		"HHX":  false,
	}
	for channel, valid := range tests {
		t.Run(channel, func(t *testing.T) {
			err := ValidateChannel(channel)
			if valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsSessionError(err))
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	format, err := ValidateFormat(" mseed")
	require.NoError(t, err)
	assert.Equal(t, "MSEED", format)

	_, err = ValidateFormat("wav")
	assert.True(t, IsSessionError(err))
}

func TestParseEvent(t *testing.T) {
	event, err := parseEvent("CI", strings.Fields("E1 le 2020/01/02,03:04:05.678 34.100 -118.200 10.5 3.2 l 1.0"))
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "CI:E1", event.Key())
	assert.Equal(t, "le", event.Type)
	assert.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 678000000, time.UTC), event.Time)
	assert.Equal(t, 34.1, event.Location.Latitude)
	assert.Equal(t, -118.2, event.Location.Longitude)
	assert.Equal(t, 10.5, *event.Depth)
	assert.Equal(t, 3.2, *event.Magnitude)
	assert.Equal(t, "l", event.MagnitudeType)
	assert.Equal(t, 1.0, *event.Quality)
}

func TestParseEvent_NoData(t *testing.T) {
	event, err := parseEvent("CI", strings.Fields("E9 No data found"))
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestParseEvent_Malformed(t *testing.T) {
	_, err := parseEvent("CI", strings.Fields("E1 le 2020/01/02,03:04:05 north -118.200 10.5 3.2 l 1.0"))
	assert.Error(t, err)

	_, err = parseEvent("CI", strings.Fields("E1 le 2020/01/02,03:04:05"))
	assert.Error(t, err)

	_, err = parseEvent("CI", strings.Fields("E1 le yesterday 34.1 -118.200 10.5 3.2 l 1.0"))
	assert.Error(t, err)
}

func TestParseWaveform(t *testing.T) {
	w, err := parseWaveform(strings.Fields("CI PAS HHZ T 2020/01/02,03:04:00.000 1.5m"))
	require.NoError(t, err)
	assert.Equal(t, "CI.PAS", w.StationId)
	assert.Equal(t, "HHZ", w.Channel)
	assert.Equal(t, "", w.LocationCode)
	assert.Equal(t, 90*time.Second, w.Duration)

	w, err = parseWaveform(strings.Fields("CI USC HHZ 00 T 2020/01/02,03:04:00.000 60.0s"))
	require.NoError(t, err)
	assert.Equal(t, "00", w.LocationCode)
	assert.Equal(t, time.Minute, w.Duration)

	_, err = parseWaveform(strings.Fields("CI PAS HHZ T 2020/01/02,03:04:00.000 60h"))
	assert.Error(t, err)
}

func TestParseStation(t *testing.T) {
	station, err := parseStation(strings.Fields("CI.PAS 34.148 -118.171"))
	require.NoError(t, err)
	assert.Equal(t, "CI.PAS", station.Id)
	assert.Equal(t, 34.148, station.Location.Latitude)

	_, err = parseStation(strings.Fields("CI.PAS 34.148"))
	assert.Error(t, err)
}

func TestParseCount(t *testing.T) {
	count, err := parseCount(strings.Fields("# Number of stations: 5"))
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	_, err = parseCount(strings.Fields("# Number of stations: many"))
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	key, value, ok := parseStatus("Gain correction = on")
	assert.True(t, ok)
	assert.Equal(t, "Gain correction", key)
	assert.Equal(t, "on", value)

	_, _, ok = parseStatus("no equals sign")
	assert.False(t, ok)
}

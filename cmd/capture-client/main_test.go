package main

import (
	"testing"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	t.Setenv("CAPTURE_DEFINITION", "")
	t.Setenv("CAPTURE_DURATION", "30s")

	s, err := parseSettings([]string{"--definition", "/tmp/in.pcap:realtime=true", "--count", "10"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/in.pcap:realtime=true", s.definition)
	assert.Equal(t, "127.0.0.1:3501", s.listen)
	assert.Equal(t, "capture.pcap", s.output)
	assert.Equal(t, 30*time.Second, s.duration)
	assert.Equal(t, 10, s.count)

	_, err = parseSettings([]string{"--list"})
	assert.NoError(t, err, "listing needs no definition")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no definition", nil, "a definition is required"},
		{"channel and hop", []string{"--definition", "wlan0", "--channel", "6", "--hop", "1,6,11"}, "mutually exclusive"},
		{"bad hop rate", []string{"--definition", "wlan0", "--hop", "1,6", "--hop-rate", "0"}, "invalid hop rate"},
		{"bad spectrum", []string{"--definition", "hackrf", "--spectrum", "2400MHz"}, "want START-END"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSettings(tt.args)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseSettings_EnvDefaults(t *testing.T) {
	t.Setenv("CAPTURE_LISTEN", "0.0.0.0:4000")
	t.Setenv("CAPTURE_DEFINITION", "eth0")
	t.Setenv("CAPTURE_OUTPUT", "out.pcap")
	t.Setenv("CAPTURE_DURATION", "soon")

	s, err := parseSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:4000", s.listen)
	assert.Equal(t, "eth0", s.definition)
	assert.Equal(t, "out.pcap", s.output)
	assert.Zero(t, s.duration, "unparseable durations fall back")
}

func TestParseSpectrum(t *testing.T) {
	spec, err := parseSpectrum("2400MHz-2.5GHz")
	require.NoError(t, err)
	assert.Equal(t, protocol.SpecSet{StartMHz: 2400, EndMHz: 2500}, spec)

	spec, err = parseSpectrum("433000000-434000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(433), spec.StartMHz)
	assert.Equal(t, uint64(434), spec.EndMHz)

	for _, bad := range []string{"2400MHz", "fast-slow", "2500MHz-2400MHz"} {
		_, err := parseSpectrum(bad)
		assert.Error(t, err, bad)
	}
}

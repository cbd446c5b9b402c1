package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantIface string
		wantFlags map[string]string
		wantErr   error
	}{
		{
			name:      "interface only",
			input:     "wlan0",
			wantIface: "wlan0",
		},
		{
			name:      "flags",
			input:     "wlan0:channel=6,name=foo",
			wantIface: "wlan0",
			wantFlags: map[string]string{"channel": "6", "name": "foo"},
		},
		{
			name:      "quoted value keeps commas",
			input:     `/tmp/a.pcap:uuid="a,b",pps=10`,
			wantIface: "/tmp/a.pcap",
			wantFlags: map[string]string{"uuid": "a,b", "pps": "10"},
		},
		{
			name:      "flag names ignore case",
			input:     "rtl0:Channel=433MHz",
			wantIface: "rtl0",
			wantFlags: map[string]string{"CHANNEL": "433MHz"},
		},
		{
			name:      "surrounding space and empty items",
			input:     "  eth0:,foo=bar,, ",
			wantIface: "eth0",
			wantFlags: map[string]string{"foo": "bar"},
		},
		{
			name:    "no interface",
			input:   ":channel=1",
			wantErr: ErrNoInterface,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: ErrNoInterface,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := ParseDefinition(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIface, def.Interface())
			for name, want := range tt.wantFlags {
				got, ok := def.Flag(name)
				assert.True(t, ok, "flag %s", name)
				assert.Equal(t, want, got, "flag %s", name)
			}
			_, ok := def.Flag("missing")
			assert.False(t, ok)
		})
	}
}

func TestDefinition_RepeatedAndBoolFlags(t *testing.T) {
	def, err := ParseDefinition("hackrf:channels=1,channels=6,realtime,enabled=false,fast=yes")
	require.NoError(t, err)

	assert.Equal(t, 2, def.FlagCount("channels"))
	assert.Equal(t, []string{"1", "6"}, def.FlagValues("channels"))
	assert.Equal(t, 0, def.FlagCount("nope"))

	assert.True(t, def.BoolFlag("realtime"))
	assert.False(t, def.BoolFlag("enabled"))
	assert.False(t, def.BoolFlag("fast"))
	assert.False(t, def.BoolFlag("missing"))
	assert.Equal(t, "hackrf:channels=1,channels=6,realtime,enabled=false,fast=yes", def.String())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"1", "6", "11"}, SplitList("1,,6, 11,", ','))
	assert.Equal(t, []string{"a", "b"}, SplitList("a:b", ':'))
	assert.Empty(t, SplitList("", ','))
}

func TestAppendUniqueChannels(t *testing.T) {
	a := []string{"1", "6HT40"}
	b := []string{"6ht40", "11", "1"}

	got := AppendUniqueChannels(a, b)
	assert.Equal(t, []string{"1", "6HT40", "11"}, got)
	assert.Equal(t, []string{"1", "6HT40"}, a)
	assert.Empty(t, AppendUniqueChannels(nil, nil))
}

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"2412MHz", 2412e6, false},
		{"2412mhz", 2412e6, false},
		{"1.5GHz", 1.5e9, false},
		{"10kHz", 1e4, false},
		{"100 Hz", 100, false},
		{"433920000", 433920000, false},
		{"1.23e5KHz", 1.23e8, false},
		{"fast", 0, true},
		{"MHz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFrequency(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-3)
		})
	}
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"EnigmaNetz/Enigma-Capture-Bridge/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"--in-fd", "3", "--out-fd", "4", "--source", "spool", "--config", "bridge.yaml"})
	require.NoError(t, err)
	assert.Equal(t, options{inFD: 3, outFD: 4, source: "spool", configPath: "bridge.yaml"}, opts)

	opts, err = parseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, opts.inFD)
	assert.Equal(t, -1, opts.outFD)

	_, err = parseArgs([]string{"--bogus"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"stray"})
	assert.ErrorContains(t, err, `unexpected argument "stray"`)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")
	present := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(present, []byte("source:\n  kind: tcpdump\n"), 0644))

	cfg, path, err := loadConfig("", []string{missing, present})
	require.NoError(t, err)
	assert.Equal(t, present, path)
	assert.Equal(t, "tcpdump", cfg.Source.Kind)

	cfg, path, err = loadConfig("", []string{missing})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, config.Default(), cfg)

	_, _, err = loadConfig(missing, nil)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"source": {"kind": "floppy"}}`), 0644))
	_, _, err = loadConfig("", []string{bad, present})
	assert.Error(t, err, "an invalid candidate is reported, not skipped")
}

func TestOpenConnRequiresTransport(t *testing.T) {
	tests := []struct {
		name string
		opts options
		want string
	}{
		{"none", options{inFD: -1, outFD: -1}, "either --connect or both"},
		{"only in", options{inFD: 3, outFD: -1}, "either --connect or both"},
		{"both kinds", options{inFD: 3, outFD: 4, connect: "127.0.0.1:1"}, "cannot be combined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openConn(context.Background(), tt.opts)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	assert.Equal(t, 2, run([]string{"--nope"}))
	assert.Equal(t, 2, run(nil), "no transport given")
	assert.Equal(t, 2, run([]string{"--in-fd", "3"}), "half a descriptor pair")
	assert.Equal(t, 2, run([]string{"--in-fd", "3", "--out-fd", "4", "--connect", "127.0.0.1:1"}), "both transports")
	assert.Equal(t, 1, run([]string{"--connect", "127.0.0.1:1", "--config", filepath.Join(t.TempDir(), "none.yaml")}))

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  silent: true\n"), 0644))
	assert.Equal(t, 2, run([]string{"--connect", "127.0.0.1:1", "--config", path, "--source", "floppy"}))
}

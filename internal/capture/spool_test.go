package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setAge(t *testing.T, path string, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

func assertFiles(t *testing.T, dir string, want ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.ElementsMatch(t, want, got, "files in %s", dir)
}

func TestSpool_Probe(t *testing.T) {
	dir := t.TempDir()
	incoming := filepath.Join(dir, "incoming")
	require.NoError(t, os.Mkdir(incoming, 0755))
	writePcap(t, filepath.Join(incoming, "a.pcap"), layers.LinkTypeEthernet, udpPackets(t, 1, time.Millisecond))

	src := NewSpool(logger.Discard())
	res, err := src.Probe(context.Background(), 1, dir)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "1 pending capture files")
	assert.Regexp(t, `^[0-9A-F]{8}-0000-0000-0000-0000[0-9A-F]{8}$`, res.UUID)

	_, err = src.Probe(context.Background(), 1, filepath.Join(incoming, "a.pcap"))
	assert.ErrorContains(t, err, "is not a directory")

	_, err = src.Probe(context.Background(), 1, filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "unable to find spool directory")
}

func TestSpool_OpenRejectsBadFlags(t *testing.T) {
	dir := t.TempDir()
	src := NewSpool(logger.Discard())
	for _, flags := range []string{"poll=soon", "stable=-1s", "dlt=FDDI", "pps=-1"} {
		_, err := src.Open(context.Background(), 1, dir+":"+flags)
		assert.Error(t, err, flags)
	}
}

func TestSpool_ReplaysAndSortsFiles(t *testing.T) {
	dir := t.TempDir()
	incoming := filepath.Join(dir, "incoming")
	require.NoError(t, os.Mkdir(incoming, 0755))

	first := udpPackets(t, 2, time.Millisecond)
	second := udpPackets(t, 1, time.Millisecond)
	writePcapng(t, filepath.Join(incoming, "b.pcapng"), layers.LinkTypeEthernet, second)
	setAge(t, filepath.Join(incoming, "b.pcapng"), 2*time.Minute)
	writePcap(t, filepath.Join(incoming, "a.pcap"), layers.LinkTypeEthernet, first)
	setAge(t, filepath.Join(incoming, "a.pcap"), 3*time.Minute)
	writePcap(t, filepath.Join(incoming, "c.pcap"), layers.LinkTypeIEEE80211Radio,
		[]testPacket{{ts: time.Unix(1700000000, 0), data: radiotapPacket()}})
	setAge(t, filepath.Join(incoming, "c.pcap"), time.Minute)
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "junk.pcap"), []byte("not a capture"), 0644))
	setAge(t, filepath.Join(incoming, "junk.pcap"), 30*time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "notes.txt"), []byte("ignored"), 0644))

	src := NewSpool(logger.Discard())
	defer src.Close()
	res, err := src.Open(context.Background(), 1, dir+":poll=10ms,stable=0s,drain=true")
	require.NoError(t, err)
	assert.Equal(t, uint32(layers.LinkTypeEthernet), res.DLT)
	assert.Equal(t, dir, res.CapIf)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, want := range append(first, second...) {
		pkt, err := src.Capture(ctx)
		require.NoError(t, err, "packet %d", i)
		assert.Equal(t, want.data, pkt.Data)
		assert.True(t, want.ts.Equal(pkt.Timestamp))
	}

	_, err = src.Capture(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "drained after 4 files")

	assertFiles(t, incoming, "notes.txt")
	assertFiles(t, filepath.Join(dir, "processing"))
	assertFiles(t, filepath.Join(dir, "processed"), "a.pcap", "b.pcapng")
	assertFiles(t, filepath.Join(dir, "failed"), "c.pcap", "junk.pcap")
	assert.Equal(t, uint64(3), src.Stats().TotalPackets)
}

func TestSpool_WaitsForStableFiles(t *testing.T) {
	dir := t.TempDir()
	src := NewSpool(logger.Discard())
	defer src.Close()
	_, err := src.Open(context.Background(), 1, dir+":poll=10ms,stable=1h")
	require.NoError(t, err)

	path := filepath.Join(dir, "incoming", "fresh.pcap")
	writePcap(t, path, layers.LinkTypeEthernet, udpPackets(t, 1, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = src.Capture(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.FileExists(t, path)
}

func TestSpool_CaptureBeforeOpen(t *testing.T) {
	_, err := NewSpool(logger.Discard()).Capture(context.Background())
	assert.Error(t, err)
}

// Package capture holds capture sources for the bridge and the parser for
// the definitions that select them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// uuidTag seeds the first UUID group so pcapfile UUIDs do not collide with
// other source types.
const uuidTag = "capture_bridge_pcapfile"

// PacketStats holds statistics about replayed packets
type PacketStats struct {
	TotalPackets   uint64
	TotalBytes     uint64
	ProtocolCounts map[string]uint64
}

func (s PacketStats) String() string {
	return fmt.Sprintf("Total Packets: %d\nTotal Bytes: %d\nProtocol Distribution: %v",
		s.TotalPackets, s.TotalBytes, s.ProtocolCounts)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// PcapFile replays a pcap or pcapng file as a capture source. The
// definition is the file path, optionally followed by flags:
//
//	/path/to/file.pcap:realtime=true
//	/path/to/file.pcapng:pps=100,uuid=...
type PcapFile struct {
	log *logger.Logger

	mu       sync.Mutex
	file     *os.File
	reader   packetReader
	linkType layers.LinkType
	path     string
	realtime bool
	pps      int
	lastTS   time.Time
	stats    PacketStats
}

// NewPcapFile creates an idle pcap file source.
func NewPcapFile(log *logger.Logger) *PcapFile {
	return &PcapFile{
		log:   log.Named("pcapfile"),
		stats: PacketStats{ProtocolCounts: make(map[string]uint64)},
	}
}

// openCapture opens path as pcapng, falling back to classic pcap.
func openCapture(path string) (*os.File, packetReader, layers.LinkType, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("error opening pcap file: %w", err)
	}

	ngReader, err := pcapgo.NewNgReader(handle, pcapgo.DefaultNgReaderOptions)
	if err == nil {
		return handle, ngReader, ngReader.LinkType(), nil
	}

	if _, err := handle.Seek(0, io.SeekStart); err != nil {
		handle.Close()
		return nil, nil, 0, fmt.Errorf("error resetting file position: %w", err)
	}
	reader, err := pcapgo.NewReader(handle)
	if err != nil {
		handle.Close()
		return nil, nil, 0, fmt.Errorf("'%s' is not a pcap or pcapng file: %w", path, err)
	}
	return handle, reader, reader.LinkType(), nil
}

// fileUUID derives a stable UUID from the file path unless the definition
// carries one.
func fileUUID(def *Definition) string {
	if uuid, ok := def.Flag("uuid"); ok && uuid != "" {
		return uuid
	}
	return fmt.Sprintf("%08X-0000-0000-0000-0000%08X",
		protocol.ChecksumBytes([]byte(uuidTag)), protocol.ChecksumBytes([]byte(def.Interface())))
}

// Probe checks that the definition names a readable capture file.
func (p *PcapFile) Probe(ctx context.Context, seq uint32, definition string) (bridge.ProbeResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.ProbeResult{}, fmt.Errorf("unable to find PCAP file name in definition: %w", err)
	}
	path := def.Interface()

	info, err := os.Stat(path)
	if err != nil {
		return bridge.ProbeResult{}, fmt.Errorf("unable to find pcapfile '%s'", path)
	}
	if !info.Mode().IsRegular() {
		return bridge.ProbeResult{}, fmt.Errorf("file '%s' is not a regular file", path)
	}

	f, _, linkType, err := openCapture(path)
	if err != nil {
		return bridge.ProbeResult{}, err
	}
	f.Close()

	return bridge.ProbeResult{
		Message: fmt.Sprintf("pcapfile '%s' is readable (%s)", path, linkType),
		UUID:    fileUUID(def),
	}, nil
}

// Open prepares the file for replay. Probing rejects non-regular files but
// open accepts them so a fifo can be replayed.
func (p *PcapFile) Open(ctx context.Context, seq uint32, definition string) (bridge.OpenResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.OpenResult{}, fmt.Errorf("unable to find PCAP file name in definition: %w", err)
	}
	path := def.Interface()

	realtime := def.BoolFlag("realtime")
	pps := 0
	if v, ok := def.Flag("pps"); ok && !realtime {
		pps, err = strconv.Atoi(v)
		if err != nil || pps < 0 {
			return bridge.OpenResult{}, fmt.Errorf("invalid pps value %q", v)
		}
	}

	linkType, err := p.openFile(path, realtime, pps)
	if err != nil {
		return bridge.OpenResult{}, err
	}
	p.resetStats()

	msg := fmt.Sprintf("Opened pcapfile '%s' for playback", path)
	switch {
	case realtime:
		msg += " in realtime"
	case pps > 0:
		msg += fmt.Sprintf(" at %d packets per second", pps)
	}
	p.log.Info("%s (link type %s)", msg, linkType)

	return bridge.OpenResult{
		Message: msg,
		DLT:     uint32(linkType),
		UUID:    fileUUID(def),
		CapIf:   path,
	}, nil
}

// openFile switches replay to path. Statistics carry over so a spool can
// report totals across files.
func (p *PcapFile) openFile(path string, realtime bool, pps int) (layers.LinkType, error) {
	f, reader, linkType, err := openCapture(path)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		p.file.Close()
	}
	p.file = f
	p.reader = reader
	p.linkType = linkType
	p.path = path
	p.realtime = realtime
	p.pps = pps
	p.lastTS = time.Time{}
	return linkType, nil
}

// Capture returns the next packet, pacing the replay when requested. The
// end of the file is reported as io.EOF.
func (p *PcapFile) Capture(ctx context.Context) (bridge.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reader == nil {
		return bridge.Packet{}, errors.New("pcapfile not open")
	}

	data, ci, err := p.reader.ReadPacketData()
	if errors.Is(err, io.EOF) {
		return bridge.Packet{}, fmt.Errorf("pcapfile '%s' closed: end of pcapfile reached: %w", p.path, io.EOF)
	}
	if err != nil {
		return bridge.Packet{}, fmt.Errorf("pcapfile '%s' closed: %w", p.path, err)
	}

	if err := p.pace(ctx, ci.Timestamp); err != nil {
		return bridge.Packet{}, err
	}

	pkt := bridge.Packet{Timestamp: ci.Timestamp, Data: data}
	decoded := gopacket.NewPacket(data, p.linkType, gopacket.NoCopy)
	p.stats.TotalPackets++
	p.stats.TotalBytes += uint64(len(data))
	for _, layer := range decoded.Layers() {
		p.stats.ProtocolCounts[layer.LayerType().String()]++
	}
	if rt, ok := decoded.Layer(layers.LayerTypeRadioTap).(*layers.RadioTap); ok {
		pkt.Signal = radiotapSignal(rt)
	}
	return pkt, nil
}

// pace delays according to the recorded gap or the pps throttle.
func (p *PcapFile) pace(ctx context.Context, ts time.Time) error {
	var delay time.Duration
	if p.realtime {
		// Out of order timestamps replay immediately.
		if !p.lastTS.IsZero() && ts.After(p.lastTS) {
			delay = ts.Sub(p.lastTS)
		}
		p.lastTS = ts
	} else if p.pps > 0 {
		delay = time.Second / time.Duration(p.pps)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func radiotapSignal(rt *layers.RadioTap) *protocol.Signal {
	var s protocol.Signal
	if rt.Present.DBMAntennaSignal() {
		s.SignalDBM = int32(rt.DBMAntennaSignal)
	}
	if rt.Present.DBMAntennaNoise() {
		s.NoiseDBM = int32(rt.DBMAntennaNoise)
	}
	if rt.Present.Channel() {
		s.FreqKHz = float64(rt.ChannelFrequency) * 1000
	}
	if rt.Present.Rate() {
		s.DataRate = float64(rt.Rate) / 2
	}
	if s == (protocol.Signal{}) {
		return nil
	}
	return &s
}

func (p *PcapFile) resetStats() {
	p.mu.Lock()
	p.stats = PacketStats{ProtocolCounts: make(map[string]uint64)}
	p.mu.Unlock()
}

// Stats returns a copy of the replay statistics.
func (p *PcapFile) Stats() PacketStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[string]uint64, len(p.stats.ProtocolCounts))
	for k, v := range p.stats.ProtocolCounts {
		counts[k] = v
	}
	return PacketStats{TotalPackets: p.stats.TotalPackets, TotalBytes: p.stats.TotalBytes, ProtocolCounts: counts}
}

// Close releases the open file.
func (p *PcapFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.reader = nil
	return err
}

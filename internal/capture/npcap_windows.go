//go:build windows

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket/pcap"
)

const (
	npcapUUIDTag  = "capture_bridge_npcap"
	npcapLoopback = `\Device\NPF_Loopback`
	// npcapReadTimeout bounds each read so cancellation is noticed.
	npcapReadTimeout = 250 * time.Millisecond
)

// Npcap captures live traffic through the Npcap driver in promiscuous mode.
// Definitions name a device or a substring of its description:
//
//	\Device\NPF_{GUID}:filter="port 53",snaplen=256
//	Ethernet
type Npcap struct {
	log *logger.Logger

	mu     sync.Mutex
	handle *pcap.Handle
	device string
}

// IsNpcapAvailable checks if Npcap is installed and usable
func IsNpcapAvailable() bool {
	npcapDllPath := filepath.Join(os.Getenv("WINDIR"), "System32", "Npcap", "wpcap.dll")
	if _, err := os.Stat(npcapDllPath); err == nil {
		return true
	}
	devices, err := pcap.FindAllDevs()
	return err == nil && len(devices) > 0
}

func newNpcap(log *logger.Logger) (Source, error) {
	if !IsNpcapAvailable() {
		return nil, errors.New("npcap is not installed")
	}
	return &Npcap{log: log.Named("npcap")}, nil
}

// ListInterfaces reports every Npcap device except the loopback adapter.
func (n *Npcap) ListInterfaces(ctx context.Context, seq uint32) ([]protocol.Interface, string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, "", fmt.Errorf("failed to enumerate devices: %w", err)
	}
	var list []protocol.Interface
	for _, dev := range devices {
		if dev.Name == npcapLoopback {
			continue
		}
		list = append(list, protocol.Interface{Interface: dev.Name})
	}
	return list, "", nil
}

// resolveDevice matches the exact device name first, then a description
// containing the requested text.
func resolveDevice(name string) (pcap.Interface, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return pcap.Interface{}, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name == name {
			return dev, nil
		}
	}
	lower := strings.ToLower(name)
	for _, dev := range devices {
		if dev.Description != "" && strings.Contains(strings.ToLower(dev.Description), lower) {
			return dev, nil
		}
	}
	return pcap.Interface{}, fmt.Errorf("no suitable device found for interface %s", name)
}

// deviceUUID reuses the adapter GUID embedded in NPF device names.
func deviceUUID(def *Definition, dev pcap.Interface) string {
	if uuid, ok := def.Flag("uuid"); ok && uuid != "" {
		return uuid
	}
	if i, j := strings.Index(dev.Name, "{"), strings.LastIndex(dev.Name, "}"); i >= 0 && j > i {
		return dev.Name[i+1 : j]
	}
	return fmt.Sprintf("%08X-0000-0000-0000-0000%08X",
		protocol.ChecksumBytes([]byte(npcapUUIDTag)), protocol.ChecksumBytes([]byte(dev.Name)))
}

// Probe checks that the device exists.
func (n *Npcap) Probe(ctx context.Context, seq uint32, definition string) (bridge.ProbeResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.ProbeResult{}, err
	}
	dev, err := resolveDevice(def.Interface())
	if err != nil {
		return bridge.ProbeResult{}, err
	}
	return bridge.ProbeResult{
		Message: fmt.Sprintf("npcap can capture from %s (%s)", dev.Name, dev.Description),
		UUID:    deviceUUID(def, dev),
	}, nil
}

// Open opens the device in promiscuous mode and applies the BPF filter.
func (n *Npcap) Open(ctx context.Context, seq uint32, definition string) (bridge.OpenResult, error) {
	def, err := ParseDefinition(definition)
	if err != nil {
		return bridge.OpenResult{}, err
	}
	dev, err := resolveDevice(def.Interface())
	if err != nil {
		return bridge.OpenResult{}, err
	}
	snaplen := 65536
	if v, ok := def.Flag("snaplen"); ok {
		snaplen, err = strconv.Atoi(v)
		if err != nil || snaplen <= 0 {
			return bridge.OpenResult{}, fmt.Errorf("invalid snaplen %q", v)
		}
	}

	handle, err := pcap.OpenLive(dev.Name, int32(snaplen), true, npcapReadTimeout)
	if err != nil {
		return bridge.OpenResult{}, fmt.Errorf("failed to open device %s: %w", dev.Name, err)
	}
	if filter, ok := def.Flag("filter"); ok && filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return bridge.OpenResult{}, fmt.Errorf("invalid filter %q: %w", filter, err)
		}
	}

	n.Close()
	n.mu.Lock()
	n.handle = handle
	n.device = dev.Name
	n.mu.Unlock()

	msg := fmt.Sprintf("Capturing from %s (%s) with promiscuous mode enabled", dev.Name, dev.Description)
	n.log.Info("%s", msg)
	return bridge.OpenResult{
		Message: msg,
		DLT:     uint32(handle.LinkType()),
		UUID:    deviceUUID(def, dev),
		CapIf:   dev.Name,
	}, nil
}

// Capture returns the next packet, polling the read timeout so a cancelled
// context is noticed.
func (n *Npcap) Capture(ctx context.Context) (bridge.Packet, error) {
	n.mu.Lock()
	handle, device := n.handle, n.device
	n.mu.Unlock()
	if handle == nil {
		return bridge.Packet{}, errors.New("npcap device not open")
	}

	for {
		if err := ctx.Err(); err != nil {
			return bridge.Packet{}, err
		}
		data, ci, err := handle.ReadPacketData()
		switch {
		case err == nil:
			return bridge.Packet{Timestamp: ci.Timestamp, Data: data}, nil
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return bridge.Packet{}, fmt.Errorf("device %s closed: %w", device, io.EOF)
		default:
			return bridge.Packet{}, fmt.Errorf("capture on %s failed: %w", device, err)
		}
	}
}

// Close releases the device.
func (n *Npcap) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handle != nil {
		n.handle.Close()
		n.handle = nil
	}
	return nil
}

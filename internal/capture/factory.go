package capture

import (
	"fmt"
	"io"
	"runtime"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
)

// Source kinds accepted by NewSource.
const (
	KindPcapFile = "pcapfile"
	KindSpool    = "spool"
	KindTcpdump  = "tcpdump"
	KindNpcap    = "npcap"
	KindLive     = "live"
)

// Source is what every capture source in this package provides. Sources
// may implement more of the bridge interfaces, such as bridge.Lister.
type Source interface {
	bridge.Prober
	bridge.Opener
	bridge.Capturer
	io.Closer
}

// NewSource creates a source by kind. "live" picks the capture mechanism
// appropriate for the current platform.
func NewSource(kind string, log *logger.Logger) (Source, error) {
	switch kind {
	case KindPcapFile:
		return NewPcapFile(log), nil
	case KindSpool:
		return NewSpool(log), nil
	case KindTcpdump:
		return NewTcpdump(log), nil
	case KindNpcap:
		return newNpcap(log)
	case KindLive, "":
		switch runtime.GOOS {
		case "windows":
			return newNpcap(log)
		case "linux", "darwin": // Both Linux and macOS use tcpdump
			return NewTcpdump(log), nil
		default:
			return nil, fmt.Errorf("unsupported platform for live capture: %s", runtime.GOOS)
		}
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

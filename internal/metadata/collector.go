package metadata

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/version"
)

// maxHostIPs limits the number of IP addresses collected for hosts with
// many NICs, VPNs or container networks.
const maxHostIPs = 10

// Info identifies the host and the bridge process for diagnostics.
type Info struct {
	MachineID    string   `json:"machine_id"`
	SessionID    string   `json:"session_id"`
	Version      string   `json:"bridge_version"`
	OSName       string   `json:"os_name"`
	OSVersion    string   `json:"os_version"`
	Architecture string   `json:"architecture"`
	Source       string   `json:"source"`
	HostIPs      []string `json:"host_ips,omitempty"`
}

// Collect gathers host metadata for a bridge running the given source kind.
// Each call starts a new session.
func Collect(source string) Info {
	return Info{
		MachineID:    generateMachineID(),
		SessionID:    uuid.New().String(),
		Version:      version.Version,
		OSName:       runtime.GOOS,
		OSVersion:    getOSVersion(),
		Architecture: runtime.GOARCH,
		Source:       source,
		HostIPs:      getHostIPAddresses(),
	}
}

// getHostIPAddresses returns private IPv4 addresses of up, non-loopback
// interfaces, capped at maxHostIPs.
func getHostIPAddresses() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var ips []string
	seen := make(map[string]bool)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || !ip.IsPrivate() || seen[ip.String()] {
				continue
			}
			seen[ip.String()] = true
			ips = append(ips, ip.String())
			if len(ips) >= maxHostIPs {
				return ips
			}
		}
	}
	return ips
}

// generateMachineID creates SHA256 hash of primary MAC address
func generateMachineID() string {
	macAddr := getPrimaryMACAddress()
	if macAddr == "" {
		macAddr = "unknown-device"
	}
	hash := sha256.Sum256([]byte(macAddr))
	return hex.EncodeToString(hash[:])
}

// getPrimaryMACAddress gets the MAC address of the primary network interface
func getPrimaryMACAddress() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	// Sort interfaces by name for consistency
	sort.Slice(interfaces, func(i, j int) bool {
		return interfaces[i].Name < interfaces[j].Name
	})

	// Prefer physical ethernet, then wifi, then any other
	for _, priority := range []string{"eth", "en", "wlan", "wl"} {
		for _, iface := range interfaces {
			if strings.HasPrefix(iface.Name, priority) &&
				iface.Flags&net.FlagLoopback == 0 &&
				len(iface.HardwareAddr) > 0 {
				return iface.HardwareAddr.String()
			}
		}
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}

// getOSVersion attempts to get OS version information
func getOSVersion() string {
	switch runtime.GOOS {
	case "windows":
		return getWindowsVersion()
	case "linux":
		return getLinuxVersion("/etc/os-release")
	case "darwin":
		return getMacOSVersion()
	default:
		return runtime.GOOS
	}
}

func getWindowsVersion() string {
	output, err := exec.Command("cmd", "/c", "ver").Output()
	if err != nil {
		return "Windows"
	}
	// "Microsoft Windows [Version 10.0.19044.1766]"
	if _, after, ok := strings.Cut(strings.TrimSpace(string(output)), "Version"); ok {
		return "Windows " + strings.Trim(after, " []")
	}
	return "Windows"
}

// getLinuxVersion reads NAME and VERSION from an os-release file.
func getLinuxVersion(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return "Linux"
	}
	defer file.Close()

	var name, version string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "NAME=") {
			name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		} else if strings.HasPrefix(line, "VERSION=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
		}
	}

	if name != "" && version != "" {
		return name + " " + version
	} else if name != "" {
		return name
	}
	return "Linux"
}

func getMacOSVersion() string {
	output, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return "macOS"
	}
	return "macOS " + strings.TrimSpace(string(output))
}

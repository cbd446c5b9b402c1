package metadata

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	info := Collect("pcapfile")

	assert.Len(t, info.MachineID, 64, "machine_id should be 64 characters (SHA256 hex)")
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.OSName)
	assert.NotEmpty(t, info.OSVersion)
	assert.NotEmpty(t, info.Architecture)
	assert.Equal(t, "pcapfile", info.Source)

	_, err := uuid.Parse(info.SessionID)
	require.NoError(t, err, "session_id should be a UUID")

	other := Collect("pcapfile")
	assert.Equal(t, info.MachineID, other.MachineID, "machine_id should be consistent between calls")
	assert.NotEqual(t, info.SessionID, other.SessionID, "every call starts a session")
}

func TestGetPrimaryMACAddress(t *testing.T) {
	// Depends on the host's interfaces but must not crash.
	macAddr := getPrimaryMACAddress()
	if macAddr != "" {
		_, err := net.ParseMAC(macAddr)
		assert.NoError(t, err)
	}
}

func TestGetHostIPAddresses(t *testing.T) {
	ips := getHostIPAddresses()
	assert.LessOrEqual(t, len(ips), maxHostIPs)
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		require.NotNil(t, parsed, ip)
		assert.True(t, parsed.IsPrivate(), ip)
	}
}

func TestGetLinuxVersion(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"name and version", "NAME=\"Ubuntu\"\nVERSION=\"22.04.3 LTS (Jammy Jellyfish)\"\nID=ubuntu\n", "Ubuntu 22.04.3 LTS (Jammy Jellyfish)"},
		{"name only", "NAME=\"Arch Linux\"\nID=arch\n", "Arch Linux"},
		{"neither", "ID=custom\n", "Linux"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "os-release")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			assert.Equal(t, tt.want, getLinuxVersion(path))
		})
	}
	assert.Equal(t, "Linux", getLinuxVersion(filepath.Join(t.TempDir(), "missing")))
}

package capture

import (
	"runtime"
	"testing"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSource(t *testing.T) {
	src, err := NewSource(KindPcapFile, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &PcapFile{}, src)

	src, err = NewSource(KindSpool, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Spool{}, src)

	src, err = NewSource(KindTcpdump, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &Tcpdump{}, src)
	_, ok := src.(bridge.Lister)
	assert.True(t, ok, "tcpdump lists interfaces")

	_, err = NewSource("carrier-pigeon", logger.Discard())
	assert.Error(t, err)

	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		src, err = NewSource(KindLive, logger.Discard())
		require.NoError(t, err)
		assert.IsType(t, &Tcpdump{}, src)

		_, err = NewSource(KindNpcap, logger.Discard())
		assert.Error(t, err)
	}
}

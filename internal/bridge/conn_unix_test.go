//go:build linux || darwin || freebsd || netbsd || openbsd

package bridge

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func init() {
	transports["pipe"] = pipeTransport
}

func pipeTransport(t *testing.T) (Conn, io.WriteCloser, deadlineReader, func()) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	conn, err := NewPipeConn(int(inR.Fd()), int(outW.Fd()))
	require.NoError(t, err)
	return conn, inW, outR, func() {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			f.Close()
		}
	}
}

func TestPipeConn_String(t *testing.T) {
	conn, _, _, cleanup := pipeTransport(t)
	defer cleanup()
	require.Regexp(t, `^in fd \d+, out fd \d+$`, conn.String())
}

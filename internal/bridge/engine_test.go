package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deadlineReader interface {
	io.ReadCloser
	SetReadDeadline(time.Time) error
}

// transport builds a bridge connection and the controller's two ends of it.
type transport func(t *testing.T) (conn Conn, toBr io.WriteCloser, fromBr deadlineReader, cleanup func())

// transports lists every connection kind the engine is exercised over.
// Platforms with descriptor polling add theirs.
var transports = map[string]transport{
	"stream": streamTransport,
}

func streamTransport(t *testing.T) (Conn, io.WriteCloser, deadlineReader, func()) {
	brIn, ctlOut := net.Pipe()
	ctlIn, brOut := net.Pipe()
	conn := NewStreamConn("net.Pipe", brIn, brOut, closers{brIn, brOut})
	return conn, ctlOut, ctlIn, func() {
		ctlOut.Close()
		ctlIn.Close()
		conn.Close()
	}
}

// forEachTransport runs fn once per transport.
func forEachTransport(t *testing.T, fn func(t *testing.T, tr transport)) {
	for name, tr := range transports {
		t.Run(name, func(t *testing.T) { fn(t, tr) })
	}
}

// controller is the parent side of a connected bridge.
type controller struct {
	t      *testing.T
	h      *Handler
	toBr   io.WriteCloser
	fromBr deadlineReader
	buf    []byte
	result chan error
	err    error
	done   bool
}

func startBridge(t *testing.T, tr transport, cfg Config, source interface{}) *controller {
	t.Helper()

	conn, toBr, fromBr, cleanup := tr(t)
	h, err := NewHandler(cfg, source)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &controller{t: t, h: h, toBr: toBr, fromBr: fromBr, result: make(chan error, 1)}
	go func() { c.result <- h.Run(ctx, conn) }()

	t.Cleanup(func() {
		cancel()
		c.wait(5 * time.Second)
		cleanup()
	})
	return c
}

func (c *controller) send(f *protocol.Frame) {
	c.t.Helper()
	b, err := f.Encode()
	require.NoError(c.t, err)
	_, err = c.toBr.Write(b)
	require.NoError(c.t, err)
}

// next reads until one complete frame has arrived from the bridge.
func (c *controller) next(timeout time.Duration) *protocol.Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 4096)
	for {
		n, f, err := protocol.ParseFrame(c.buf, 0)
		require.NoError(c.t, err)
		if f != nil {
			c.buf = c.buf[n:]
			return f
		}
		require.NoError(c.t, c.fromBr.SetReadDeadline(deadline))
		r, err := c.fromBr.Read(chunk)
		require.NoError(c.t, err, "waiting for a frame from the bridge")
		c.buf = append(c.buf, chunk[:r]...)
	}
}

func (c *controller) wait(timeout time.Duration) error {
	c.t.Helper()
	if c.done {
		return c.err
	}
	select {
	case c.err = <-c.result:
		c.done = true
		return c.err
	case <-time.After(timeout):
		c.t.Fatal("bridge did not stop")
		return nil
	}
}

func TestEngine_PingByteByByte(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{}, struct{}{})

		ping, err := protocol.NewFrame(protocol.TypePing, 3).Encode()
		require.NoError(t, err)
		for _, b := range ping {
			_, err := c.toBr.Write([]byte{b})
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}

		pong := c.next(2 * time.Second)
		assert.Equal(t, protocol.TypePong, pong.Type)
		assert.Equal(t, uint32(3), pong.Sequence)
		assert.Empty(t, pong.KVs)
		assert.Equal(t, StateIdle, c.h.State())
	})
}

func TestEngine_ListInterfacesDrainsThenStops(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{}, &radioSource{})
		c.send(protocol.NewFrame(protocol.TypeListInterfaces, 8))

		resp := c.next(2 * time.Second)
		assert.Equal(t, protocol.TypeListResp, resp.Type)
		requireSuccess(t, resp, true)

		assert.NoError(t, c.wait(2*time.Second))
		assert.Equal(t, StateStopped, c.h.State())
	})
}

func TestEngine_RemoteClose(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{}, struct{}{})
		require.NoError(t, c.toBr.Close())
		assert.ErrorIs(t, c.wait(2*time.Second), ErrRemoteClosed)
	})
}

func TestEngine_LivenessTimeout(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{PingTimeout: 200 * time.Millisecond, PollInterval: 20 * time.Millisecond}, struct{}{})

		assert.ErrorIs(t, c.wait(2*time.Second), ErrLiveness)

		last := c.next(time.Second)
		assert.Equal(t, protocol.TypeError, last.Type)
		assert.Contains(t, messageOf(t, last), "controller went silent")
	})
}

func TestEngine_GarbageIsFatal(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{}, struct{}{})
		_, err := c.toBr.Write(bytes.Repeat([]byte{0xaa}, protocol.HeaderSize))
		require.NoError(t, err)
		assert.ErrorIs(t, c.wait(2*time.Second), protocol.ErrBadSignature)
	})
}

func TestEngine_ShutdownSkipsDrain(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{}, struct{}{})
		c.h.Shutdown()
		assert.ErrorIs(t, c.wait(2*time.Second), ErrShutdown)
	})
}

func TestEngine_StreamsThroughSmallBuffer(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		const packets = 200
		c := startBridge(t, tr, Config{OutBufferSize: 1024}, &streamSource{packets: packets, size: 100})
		c.send(openFrame(1))

		resp := c.next(2 * time.Second)
		require.Equal(t, protocol.TypeOpenResp, resp.Type)
		requireSuccess(t, resp, true)

		// PONGs interleave with DATA in append order.
		var lastSeq uint32
		received := 0
		for {
			f := c.next(2 * time.Second)
			if f.Type == protocol.TypePong {
				continue
			}
			if f.Type == protocol.TypeError {
				assert.Equal(t, "capture source closed", messageOf(t, f))
				break
			}
			require.Equal(t, protocol.TypeData, f.Type)
			require.Greater(t, f.Sequence, lastSeq)
			lastSeq = f.Sequence
			received++

			kv, ok := f.Find(protocol.KeyPacket)
			require.True(t, ok)
			pkt, err := protocol.DecodeCapData(kv)
			require.NoError(t, err)
			require.Equal(t, byte(received), pkt.Packet[0])

			if received%50 == 0 {
				c.send(protocol.NewFrame(protocol.TypePing, uint32(1000+received)))
			}
		}
		assert.Equal(t, packets, received)
		assert.NoError(t, c.wait(2*time.Second))
	})
}

func TestEngine_ReadsOnlyWhatFits(t *testing.T) {
	forEachTransport(t, func(t *testing.T, tr transport) {
		c := startBridge(t, tr, Config{InBufferSize: 256, ReadChunkSize: 1024}, struct{}{})

		// Three frames of about 200 bytes arrive in one write: more than the
		// inbound buffer holds, each small enough to fit on its own.
		var burst []byte
		for seq := uint32(1); seq <= 3; seq++ {
			b, err := protocol.NewFrame(protocol.TypePing, seq,
				protocol.NewStringKV(protocol.KeyMessage, strings.Repeat("x", 140))).Encode()
			require.NoError(t, err)
			require.Less(t, len(b), 256)
			burst = append(burst, b...)
		}
		go c.toBr.Write(burst)

		for seq := uint32(1); seq <= 3; seq++ {
			pong := c.next(2 * time.Second)
			assert.Equal(t, protocol.TypePong, pong.Type)
			assert.Equal(t, seq, pong.Sequence)
		}
		assert.Equal(t, StateIdle, c.h.State())
	})
}

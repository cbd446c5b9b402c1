// Package controller implements the controller side of the bridge protocol:
// it issues requests, keeps the bridge alive with pings and records the
// DATA frames it streams back.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/protocol"
	"github.com/google/gopacket"
)

// DefaultPingInterval stays well inside the bridge's liveness timeout.
const DefaultPingInterval = time.Second

var (
	// ErrBridgeError is wrapped around ERROR frames sent by the bridge.
	ErrBridgeError = errors.New("bridge reported an error")
	// ErrRequestFailed is returned when a response carries SUCCESS=0.
	ErrRequestFailed = errors.New("request failed")
)

// Response is the answer to a request.
type Response struct {
	Frame   *protocol.Frame
	Success bool
	Message string
}

// OpenInfo is what the bridge reported for an opened device.
type OpenInfo struct {
	Message  string
	DLT      uint32
	UUID     string
	CapIf    string
	ChanSet  string
	Channels []string
}

// PacketWriter receives recorded packets. *pcapgo.Writer satisfies it.
type PacketWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

// Client talks to one bridge over a stream connection.
type Client struct {
	log  *logger.Logger
	conn net.Conn

	wmu sync.Mutex
	seq uint32

	buf   []byte
	chunk []byte
}

// NewClient wraps an established connection to a bridge.
func NewClient(conn net.Conn, log *logger.Logger) *Client {
	return &Client{
		log:   log.Named("controller"),
		conn:  conn,
		chunk: make([]byte, 64*1024),
	}
}

// Send writes one frame and returns the sequence number it used.
func (c *Client) Send(t protocol.FrameType, kvs ...protocol.KV) (uint32, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.seq++
	seq := c.seq
	b, err := protocol.NewFrame(t, seq, kvs...).Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return 0, fmt.Errorf("failed to send %s: %w", t, err)
	}
	return seq, nil
}

// Next returns the next frame from the bridge. Cancelling ctx interrupts a
// pending read.
func (c *Client) Next(ctx context.Context) (*protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer func() {
		if !stop() {
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	for {
		n, f, err := protocol.ParseFrame(c.buf, 0)
		if err != nil {
			return nil, fmt.Errorf("malformed frame from bridge: %w", err)
		}
		if f != nil {
			c.buf = c.buf[n:]
			return f, nil
		}

		r, err := c.conn.Read(c.chunk)
		c.buf = append(c.buf, c.chunk[:r]...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to read from bridge: %w", err)
		}
	}
}

// message returns the text of the frame's MESSAGE record, if any.
func message(f *protocol.Frame) string {
	kv, ok := f.Find(protocol.KeyMessage)
	if !ok {
		return ""
	}
	m, err := protocol.DecodeMessage(kv)
	if err != nil {
		return ""
	}
	return m.Msg
}

// bridgeError turns an ERROR frame into an error.
func bridgeError(f *protocol.Frame) error {
	if msg := message(f); msg != "" {
		return fmt.Errorf("%w: %s", ErrBridgeError, msg)
	}
	return ErrBridgeError
}

// logMessage reports a MESSAGE frame at a level matching its flags.
func (c *Client) logMessage(f *protocol.Frame) {
	kv, ok := f.Find(protocol.KeyMessage)
	if !ok {
		return
	}
	m, err := protocol.DecodeMessage(kv)
	if err != nil {
		c.log.Warn("undecodable MESSAGE: %v", err)
		return
	}
	warning := ""
	if w, ok := f.Find(protocol.KeyWarning); ok {
		warning = " (warning: " + w.String() + ")"
	}
	switch {
	case m.Flags&(protocol.MsgError|protocol.MsgFatal) != 0:
		c.log.Error("bridge: %s%s", m.Msg, warning)
	case m.Flags&protocol.MsgAlert != 0 || warning != "":
		c.log.Warn("bridge: %s%s", m.Msg, warning)
	case m.Flags&protocol.MsgDebug != 0:
		c.log.Debug("bridge: %s", m.Msg)
	default:
		c.log.Info("bridge: %s", m.Msg)
	}
}

// Request sends a request and waits for the response echoing its sequence
// number. Unsolicited messages are logged; PONGs are skipped.
func (c *Client) Request(ctx context.Context, t protocol.FrameType, kvs ...protocol.KV) (*Response, error) {
	seq, err := c.Send(t, kvs...)
	if err != nil {
		return nil, err
	}
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case protocol.TypePong, protocol.TypeData:
			continue
		case protocol.TypeError:
			return nil, bridgeError(f)
		}

		kv, ok := f.Find(protocol.KeySuccess)
		if !ok {
			c.logMessage(f)
			continue
		}
		success, echoed, err := protocol.DecodeSuccess(kv)
		if err != nil {
			return nil, err
		}
		if echoed != seq {
			c.log.Debug("ignoring %s for seq %d while waiting for %d", f.TypeName, echoed, seq)
			continue
		}
		resp := &Response{Frame: f, Success: success, Message: message(f)}
		if !success {
			return resp, fmt.Errorf("%w: %s: %s", ErrRequestFailed, t, resp.Message)
		}
		return resp, nil
	}
}

// ListInterfaces asks the bridge for the interfaces its source can use.
// The bridge spins down after answering.
func (c *Client) ListInterfaces(ctx context.Context) ([]protocol.Interface, error) {
	resp, err := c.Request(ctx, protocol.TypeListInterfaces)
	if err != nil {
		return nil, err
	}
	kv, ok := resp.Frame.Find(protocol.KeyInterfaceList)
	if !ok {
		return nil, nil
	}
	return protocol.DecodeInterfaceList(kv)
}

// Probe asks whether the bridge could open definition.
func (c *Client) Probe(ctx context.Context, definition string) (*Response, error) {
	return c.Request(ctx, protocol.TypeProbeDevice, protocol.NewStringKV(protocol.KeyDefinition, definition))
}

// Open opens definition and starts streaming.
func (c *Client) Open(ctx context.Context, definition string) (OpenInfo, error) {
	resp, err := c.Request(ctx, protocol.TypeOpenDevice, protocol.NewStringKV(protocol.KeyDefinition, definition))
	if err != nil {
		return OpenInfo{}, err
	}
	info := OpenInfo{Message: resp.Message}
	for _, kv := range resp.Frame.KVs {
		switch kv.Key() {
		case protocol.KeyDLT:
			if info.DLT, err = protocol.DecodeDLT(kv); err != nil {
				return OpenInfo{}, err
			}
		case protocol.KeyUUID:
			info.UUID = kv.String()
		case protocol.KeyCapIf:
			info.CapIf = kv.String()
		case protocol.KeyChanset:
			info.ChanSet = kv.String()
		case protocol.KeyChannels:
			if info.Channels, err = protocol.DecodeChannels(kv); err != nil {
				return OpenInfo{}, err
			}
		case protocol.KeyWarning:
			c.log.Warn("bridge: %s", kv.String())
		}
	}
	return info, nil
}

// SetChannel tunes the source to one channel, cancelling any hop.
func (c *Client) SetChannel(ctx context.Context, channel string) error {
	_, err := c.Request(ctx, protocol.TypeConfigure, protocol.NewStringKV(protocol.KeyChanset, channel))
	return err
}

// Hop installs a channel hop schedule and returns the schedule the bridge
// accepted.
func (c *Client) Hop(ctx context.Context, hop protocol.ChanHop) (protocol.ChanHop, error) {
	kv, err := protocol.EncodeChanHop(hop)
	if err != nil {
		return protocol.ChanHop{}, err
	}
	resp, err := c.Request(ctx, protocol.TypeConfigure, kv)
	if err != nil {
		return protocol.ChanHop{}, err
	}
	if echo, ok := resp.Frame.Find(protocol.KeyChanhop); ok {
		return protocol.DecodeChanHop(echo)
	}
	return hop, nil
}

// ConfigureSpectrum sets up a spectrum sweep on sources that support one.
func (c *Client) ConfigureSpectrum(ctx context.Context, spec protocol.SpecSet) error {
	kv, err := protocol.EncodeSpecSet(spec)
	if err != nil {
		return err
	}
	_, err = c.Request(ctx, protocol.TypeConfigure, kv)
	return err
}

// KeepAlive pings the bridge every interval until ctx ends or a send fails.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Send(protocol.TypePing); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Record writes every DATA frame to w until the bridge reports an error,
// closes the connection, limit packets were written (zero means no limit)
// or ctx ends. It returns the number of packets written. The bridge ending
// its capture shows up as an ErrBridgeError.
func (c *Client) Record(ctx context.Context, w PacketWriter, limit int) (int, error) {
	count := 0
	for limit <= 0 || count < limit {
		f, err := c.Next(ctx)
		if err != nil {
			return count, err
		}
		switch f.Type {
		case protocol.TypeData:
			kv, ok := f.Find(protocol.KeyPacket)
			if !ok {
				c.logMessage(f)
				continue
			}
			pkt, err := protocol.DecodeCapData(kv)
			if err != nil {
				return count, fmt.Errorf("bad PACKET record: %w", err)
			}
			ci := gopacket.CaptureInfo{
				Timestamp:     time.Unix(int64(pkt.TvSec), int64(pkt.TvUsec)*int64(time.Microsecond)),
				CaptureLength: len(pkt.Packet),
				Length:        int(pkt.Size),
			}
			if ci.Length < ci.CaptureLength {
				ci.Length = ci.CaptureLength
			}
			if err := w.WritePacket(ci, pkt.Packet); err != nil {
				return count, fmt.Errorf("failed to write packet: %w", err)
			}
			count++
		case protocol.TypeError:
			return count, bridgeError(f)
		case protocol.TypeMessage:
			c.logMessage(f)
		}
	}
	return count, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

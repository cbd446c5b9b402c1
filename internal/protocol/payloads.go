package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Message flags carried in MESSAGE records.
const (
	MsgDebug uint32 = 1
	MsgInfo  uint32 = 2
	MsgError uint32 = 4
	MsgAlert uint32 = 8
	MsgFatal uint32 = 16
)

// Message is the MESSAGE payload.
type Message struct {
	Msg   string `msgpack:"msg"`
	Flags uint32 `msgpack:"flags"`
}

// GPS is the GPS payload. Precision is omitted when zero.
type GPS struct {
	Lat       float64 `msgpack:"lat"`
	Lon       float64 `msgpack:"lon"`
	Alt       float64 `msgpack:"alt"`
	Speed     float64 `msgpack:"speed"`
	Heading   float64 `msgpack:"heading"`
	Precision float64 `msgpack:"precision,omitempty"`
	Fix       int32   `msgpack:"fix"`
	Time      uint64  `msgpack:"time"`
	Type      string  `msgpack:"type"`
	Name      string  `msgpack:"name"`
}

// Signal is the SIGNAL payload; only non-zero fields are sent.
type Signal struct {
	SignalDBM  int32   `msgpack:"signal_dbm,omitempty"`
	NoiseDBM   int32   `msgpack:"noise_dbm,omitempty"`
	SignalRSSI int32   `msgpack:"signal_rssi,omitempty"`
	NoiseRSSI  int32   `msgpack:"noise_rssi,omitempty"`
	FreqKHz    float64 `msgpack:"freq_khz,omitempty"`
	DataRate   float64 `msgpack:"datarate,omitempty"`
	Channel    string  `msgpack:"channel,omitempty"`
}

// PacketData is the PACKET payload of a DATA frame.
type PacketData struct {
	TvSec  uint64 `msgpack:"tv_sec"`
	TvUsec uint64 `msgpack:"tv_usec"`
	Size   uint64 `msgpack:"size"`
	Packet []byte `msgpack:"packet"`
}

// Interface is one INTERFACELIST entry.
type Interface struct {
	Interface string `msgpack:"interface"`
	Flags     string `msgpack:"flags,omitempty"`
}

// Channels is the CHANNELS payload.
type Channels struct {
	Channels []string `msgpack:"channels"`
}

// ChanHop is the CHANHOP payload.
type ChanHop struct {
	Rate        float64  `msgpack:"rate"`
	Channels    []string `msgpack:"channels"`
	Shuffle     uint32   `msgpack:"shuffle"`
	ShuffleSkip uint32   `msgpack:"shuffle_skip"`
	Offset      uint32   `msgpack:"offset"`
}

// SpecSet is the SPECSET payload used to configure spectrum sweeps.
type SpecSet struct {
	StartMHz       uint64 `msgpack:"start_mhz"`
	EndMHz         uint64 `msgpack:"end_mhz"`
	SamplesPerFreq uint64 `msgpack:"samples_per_freq"`
	BinWidth       uint64 `msgpack:"bin_width"`
	Amp            uint8  `msgpack:"amp"`
	IFAmp          uint64 `msgpack:"if_amp"`
	BasebandAmp    uint64 `msgpack:"baseband_amp"`
}

// CheckStructure verifies that b holds exactly one well-formed msgpack value.
func CheckStructure(b []byte) error {
	r := bytes.NewReader(b)
	if err := msgpack.NewDecoder(r).Skip(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes after object", ErrMalformed, r.Len())
	}
	return nil
}

func encodeKV(key Key, v interface{}) (KV, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return KV{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return NewKeyKV(key, payload), nil
}

func decodeKV(kv KV, v interface{}) error {
	if err := CheckStructure(kv.Payload()); err != nil {
		return fmt.Errorf("%s: %w", kv.Name(), err)
	}
	if err := msgpack.Unmarshal(kv.Payload(), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kv.Name(), err)
	}
	return nil
}

// EncodeSuccess builds a SUCCESS record echoing seq.
func EncodeSuccess(ok bool, seq uint32) KV {
	payload := make([]byte, 5)
	if ok {
		payload[0] = 1
	}
	binary.BigEndian.PutUint32(payload[1:], seq)
	return NewKeyKV(KeySuccess, payload)
}

// DecodeSuccess reads a SUCCESS record.
func DecodeSuccess(kv KV) (bool, uint32, error) {
	p := kv.Payload()
	if len(p) < 5 {
		return false, 0, fmt.Errorf("%w: SUCCESS payload of %d bytes", ErrMalformed, len(p))
	}
	return p[0] != 0, binary.BigEndian.Uint32(p[1:5]), nil
}

// EncodeDLT builds a DLT record.
func EncodeDLT(dlt uint32) KV {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, dlt)
	return NewKeyKV(KeyDLT, payload)
}

// DecodeDLT reads a DLT record.
func DecodeDLT(kv KV) (uint32, error) {
	p := kv.Payload()
	if len(p) < 4 {
		return 0, fmt.Errorf("%w: DLT payload of %d bytes", ErrMalformed, len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

func EncodeMessage(msg string, flags uint32) (KV, error) {
	return encodeKV(KeyMessage, Message{Msg: msg, Flags: flags})
}

func DecodeMessage(kv KV) (Message, error) {
	var m Message
	err := decodeKV(kv, &m)
	return m, err
}

func EncodeGPS(g GPS) (KV, error) {
	return encodeKV(KeyGPS, g)
}

func DecodeGPS(kv KV) (GPS, error) {
	var g GPS
	err := decodeKV(kv, &g)
	return g, err
}

func EncodeSignal(s Signal) (KV, error) {
	return encodeKV(KeySignal, s)
}

func DecodeSignal(kv KV) (Signal, error) {
	var s Signal
	err := decodeKV(kv, &s)
	return s, err
}

// EncodeCapData builds the PACKET record of a DATA frame.
func EncodeCapData(ts time.Time, packet []byte) (KV, error) {
	return encodeKV(KeyPacket, PacketData{
		TvSec:  uint64(ts.Unix()),
		TvUsec: uint64(ts.Nanosecond() / int(time.Microsecond)),
		Size:   uint64(len(packet)),
		Packet: packet,
	})
}

func DecodeCapData(kv KV) (PacketData, error) {
	var p PacketData
	err := decodeKV(kv, &p)
	return p, err
}

func EncodeInterfaceList(ifaces []Interface) (KV, error) {
	if ifaces == nil {
		ifaces = []Interface{}
	}
	return encodeKV(KeyInterfaceList, ifaces)
}

func DecodeInterfaceList(kv KV) ([]Interface, error) {
	var ifaces []Interface
	err := decodeKV(kv, &ifaces)
	return ifaces, err
}

func EncodeChannels(channels []string) (KV, error) {
	if channels == nil {
		channels = []string{}
	}
	return encodeKV(KeyChannels, Channels{Channels: channels})
}

func DecodeChannels(kv KV) ([]string, error) {
	var c Channels
	err := decodeKV(kv, &c)
	return c.Channels, err
}

func EncodeChanHop(h ChanHop) (KV, error) {
	if h.Channels == nil {
		h.Channels = []string{}
	}
	return encodeKV(KeyChanhop, h)
}

// chanHopWire tracks which keys were present on the wire.
type chanHopWire struct {
	Rate        *float64  `msgpack:"rate"`
	Channels    *[]string `msgpack:"channels"`
	Shuffle     *uint32   `msgpack:"shuffle"`
	ShuffleSkip *uint32   `msgpack:"shuffle_skip"`
	Offset      *uint32   `msgpack:"offset"`
}

// DecodeChanHop reads a CHANHOP record. The rate and channels keys are
// required; shuffle, shuffle_skip and offset default to zero.
func DecodeChanHop(kv KV) (ChanHop, error) {
	var w chanHopWire
	if err := decodeKV(kv, &w); err != nil {
		return ChanHop{}, err
	}
	if w.Rate == nil {
		return ChanHop{}, fmt.Errorf("%w: CHANHOP missing rate", ErrMalformed)
	}
	if w.Channels == nil {
		return ChanHop{}, fmt.Errorf("%w: CHANHOP missing channels", ErrMalformed)
	}
	h := ChanHop{Rate: *w.Rate, Channels: *w.Channels}
	if w.Shuffle != nil {
		h.Shuffle = *w.Shuffle
	}
	if w.ShuffleSkip != nil {
		h.ShuffleSkip = *w.ShuffleSkip
	}
	if w.Offset != nil {
		h.Offset = *w.Offset
	}
	return h, nil
}

func EncodeSpecSet(s SpecSet) (KV, error) {
	return encodeKV(KeySpecset, s)
}

func DecodeSpecSet(kv KV) (SpecSet, error) {
	var s SpecSet
	err := decodeKV(kv, &s)
	return s, err
}

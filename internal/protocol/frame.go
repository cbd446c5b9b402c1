package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Signature starts every frame.
const Signature uint32 = 0xDECAFBAD

const (
	// HeaderSize is the fixed frame header size.
	HeaderSize = 40
	// TypeSize is the width of the NUL padded frame type name.
	TypeSize = 16

	offSignature  = 0
	offHeaderSum  = 4
	offDataSum    = 8
	offSequence   = 12
	offType       = 16
	offPacketSize = 32
	offKVCount    = 36
)

var (
	ErrBadSignature   = errors.New("invalid frame signature")
	ErrHeaderChecksum = errors.New("frame header checksum mismatch")
	ErrDataChecksum   = errors.New("frame data checksum mismatch")
	ErrTooLarge       = errors.New("frame exceeds maximum size")
)

// FrameType identifies a well-known frame.
type FrameType int

const (
	TypeUnknown FrameType = iota
	TypeListInterfaces
	TypeListResp
	TypeProbeDevice
	TypeProbeResp
	TypeOpenDevice
	TypeOpenResp
	TypeConfigure
	TypeConfigResp
	TypePing
	TypePong
	TypeMessage
	TypeError
	TypeData
)

var typeNames = [...]string{
	TypeUnknown:        "",
	TypeListInterfaces: "LISTINTERFACES",
	TypeListResp:       "LISTRESP",
	TypeProbeDevice:    "PROBEDEVICE",
	TypeProbeResp:      "PROBERESP",
	TypeOpenDevice:     "OPENDEVICE",
	TypeOpenResp:       "OPENRESP",
	TypeConfigure:      "CONFIGURE",
	TypeConfigResp:     "CONFIGRESP",
	TypePing:           "PING",
	TypePong:           "PONG",
	TypeMessage:        "MESSAGE",
	TypeError:          "ERROR",
	TypeData:           "DATA",
}

func (t FrameType) String() string {
	if t > TypeUnknown && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

// ParseFrameType maps a wire type name to a FrameType, ignoring case.
func ParseFrameType(name string) FrameType {
	for t := TypeListInterfaces; int(t) < len(typeNames); t++ {
		if strings.EqualFold(typeNames[t], name) {
			return t
		}
	}
	return TypeUnknown
}

// Frame is a decoded frame. Records alias the buffer the frame was decoded from.
type Frame struct {
	Type     FrameType
	TypeName string
	Sequence uint32
	KVs      []KV
}

// NewFrame builds a frame of a well-known type.
func NewFrame(t FrameType, seq uint32, kvs ...KV) *Frame {
	return &Frame{Type: t, TypeName: t.String(), Sequence: seq, KVs: kvs}
}

// Find returns the first record with the given key.
func (f *Frame) Find(key Key) (KV, bool) {
	return f.FindName(key.String())
}

// FindName returns the first record named name, ignoring case.
func (f *Frame) FindName(name string) (KV, bool) {
	for _, kv := range f.KVs {
		if strings.EqualFold(kv.Name(), name) {
			return kv, true
		}
	}
	return KV{}, false
}

// Encode materializes the frame into one buffer.
func (f *Frame) Encode() ([]byte, error) {
	return EncodeFrame(f.TypeName, f.Sequence, f.KVs)
}

// Header is the decoded fixed header.
type Header struct {
	Signature      uint32
	HeaderChecksum uint32
	DataChecksum   uint32
	Sequence       uint32
	Type           string
	PacketSize     uint32
	KVCount        uint32
}

// ParseHeader decodes the fixed header. It checks length only.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header", ErrMalformed)
	}
	return Header{
		Signature:      binary.BigEndian.Uint32(b[offSignature:]),
		HeaderChecksum: binary.BigEndian.Uint32(b[offHeaderSum:]),
		DataChecksum:   binary.BigEndian.Uint32(b[offDataSum:]),
		Sequence:       binary.BigEndian.Uint32(b[offSequence:]),
		Type:           trimName(b[offType : offType+TypeSize]),
		PacketSize:     binary.BigEndian.Uint32(b[offPacketSize:]),
		KVCount:        binary.BigEndian.Uint32(b[offKVCount:]),
	}, nil
}

// EncodeHeader builds the header for a frame carrying kvs and returns it
// with the total frame size. The data checksum continues the header
// checksum across each record in order, so the caller can write the header
// and then each record's bytes without assembling the frame.
func EncodeHeader(typeName string, seq uint32, kvs []KV) ([]byte, int, error) {
	total := uint64(HeaderSize)
	for _, kv := range kvs {
		total += uint64(kv.Size())
	}
	if total > uint64(^uint32(0)) || uint64(len(kvs)) > uint64(^uint32(0)) {
		return nil, 0, ErrTooLarge
	}

	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[offSignature:], Signature)
	binary.BigEndian.PutUint32(hdr[offSequence:], seq)
	copy(hdr[offType:offType+TypeSize], typeName)
	binary.BigEndian.PutUint32(hdr[offPacketSize:], uint32(total))
	binary.BigEndian.PutUint32(hdr[offKVCount:], uint32(len(kvs)))

	var sum Checksum
	headerSum := sum.Update(hdr)
	dataSum := headerSum
	for _, kv := range kvs {
		dataSum = sum.Update(kv.raw)
	}

	binary.BigEndian.PutUint32(hdr[offHeaderSum:], headerSum)
	binary.BigEndian.PutUint32(hdr[offDataSum:], dataSum)

	return hdr, int(total), nil
}

// EncodeFrame builds one contiguous frame.
func EncodeFrame(typeName string, seq uint32, kvs []KV) ([]byte, error) {
	hdr, total, err := EncodeHeader(typeName, seq, kvs)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, total)
	buf = append(buf, hdr...)
	for _, kv := range kvs {
		buf = append(buf, kv.raw...)
	}
	return buf, nil
}

// zeroedHeader copies the header with both checksum fields cleared.
func zeroedHeader(b []byte) []byte {
	hdr := make([]byte, HeaderSize)
	copy(hdr, b[:HeaderSize])
	for i := offHeaderSum; i < offSequence; i++ {
		hdr[i] = 0
	}
	return hdr
}

// ValidateHeader checks the signature and the header checksum.
func ValidateHeader(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: short header", ErrMalformed)
	}
	if binary.BigEndian.Uint32(b[offSignature:]) != Signature {
		return ErrBadSignature
	}
	if ChecksumBytes(zeroedHeader(b)) != binary.BigEndian.Uint32(b[offHeaderSum:]) {
		return ErrHeaderChecksum
	}
	return nil
}

// Validate checks a complete frame: signature, both checksums, and that the
// declared records exactly fill the declared packet size.
func Validate(b []byte) error {
	if err := ValidateHeader(b); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(b[offPacketSize:])
	if size < HeaderSize || uint64(size) > uint64(len(b)) {
		return fmt.Errorf("%w: packet size %d with %d bytes", ErrMalformed, size, len(b))
	}
	b = b[:size]

	var sum Checksum
	sum.Update(zeroedHeader(b))
	sum.Update(b[HeaderSize:])
	if sum.Sum32() != binary.BigEndian.Uint32(b[offDataSum:]) {
		return ErrDataChecksum
	}

	r, err := NewKVReader(b)
	if err != nil {
		return err
	}
	for {
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if r.Offset() != len(b) {
		return fmt.Errorf("%w: %d trailing bytes after records", ErrMalformed, len(b)-r.Offset())
	}
	return nil
}

// DecodeFrame validates b and decodes it. The records alias b.
func DecodeFrame(b []byte) (*Frame, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}
	hdr, _ := ParseHeader(b)
	f := &Frame{
		Type:     ParseFrameType(hdr.Type),
		TypeName: hdr.Type,
		Sequence: hdr.Sequence,
		KVs:      make([]KV, 0, hdr.KVCount),
	}
	r, err := NewKVReader(b)
	if err != nil {
		return nil, err
	}
	for {
		kv, err := r.Next()
		if errors.Is(err, io.EOF) {
			return f, nil
		}
		if err != nil {
			return nil, err
		}
		f.KVs = append(f.KVs, kv)
	}
}

// ParseFrame looks for a complete frame at the start of b.
//
// It returns (0, nil, nil) when more bytes are needed, an error when the
// data can never form a valid frame, and otherwise the number of bytes the
// frame occupies together with the decoded frame. The frame is decoded from
// a private copy so b may be reused.
func ParseFrame(b []byte, maxSize int) (int, *Frame, error) {
	if len(b) < HeaderSize {
		return 0, nil, nil
	}
	if err := ValidateHeader(b); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(b[offPacketSize:])
	if size < HeaderSize {
		return 0, nil, fmt.Errorf("%w: packet size %d below header size", ErrMalformed, size)
	}
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, maxSize)
	}
	if uint64(len(b)) < uint64(size) {
		return 0, nil, nil
	}

	own := make([]byte, size)
	copy(own, b[:size])
	f, err := DecodeFrame(own)
	if err != nil {
		return 0, nil, err
	}
	return int(size), f, nil
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the width of the NUL padded key name.
	KeySize = 16
	// KVHeaderSize is the key name plus the 32-bit payload length.
	KVHeaderSize = KeySize + 4
)

var (
	// ErrKVNotFound is returned when a frame carries no record with the requested key.
	ErrKVNotFound = errors.New("kv not found")
	// ErrMalformed is returned when a frame or record cannot be walked safely.
	ErrMalformed = errors.New("malformed frame")
)

// Key identifies a well-known KV record.
type Key int

const (
	KeyUnknown Key = iota
	KeySuccess
	KeyMessage
	KeyDLT
	KeyUUID
	KeyChanset
	KeyCapIf
	KeyDefinition
	KeyWarning
	KeySourceType
	KeyChannels
	KeyChanhop
	KeyInterfaceList
	KeyGPS
	KeySignal
	KeySpecset
	KeyPacket
)

var keyNames = [...]string{
	KeyUnknown:       "",
	KeySuccess:       "SUCCESS",
	KeyMessage:       "MESSAGE",
	KeyDLT:           "DLT",
	KeyUUID:          "UUID",
	KeyChanset:       "CHANSET",
	KeyCapIf:         "CAPIF",
	KeyDefinition:    "DEFINITION",
	KeyWarning:       "WARNING",
	KeySourceType:    "SOURCETYPE",
	KeyChannels:      "CHANNELS",
	KeyChanhop:       "CHANHOP",
	KeyInterfaceList: "INTERFACELIST",
	KeyGPS:           "GPS",
	KeySignal:        "SIGNAL",
	KeySpecset:       "SPECSET",
	KeyPacket:        "PACKET",
}

func (k Key) String() string {
	if k > KeyUnknown && int(k) < len(keyNames) {
		return keyNames[k]
	}
	return "UNKNOWN"
}

// ParseKey maps a wire key name to a Key, ignoring case.
func ParseKey(name string) Key {
	for k := KeySuccess; int(k) < len(keyNames); k++ {
		if strings.EqualFold(keyNames[k], name) {
			return k
		}
	}
	return KeyUnknown
}

// KV is one encoded record; header and payload are kept contiguous so the
// record can be checksummed and written without re-buffering.
type KV struct {
	raw []byte
}

// NewKV builds a record. Names longer than KeySize are truncated.
func NewKV(name string, payload []byte) KV {
	raw := make([]byte, KVHeaderSize+len(payload))
	copy(raw[:KeySize], name)
	binary.BigEndian.PutUint32(raw[KeySize:KVHeaderSize], uint32(len(payload)))
	copy(raw[KVHeaderSize:], payload)
	return KV{raw: raw}
}

// NewKeyKV builds a record for a well-known key.
func NewKeyKV(key Key, payload []byte) KV {
	return NewKV(key.String(), payload)
}

// NewStringKV builds a record whose payload is the raw string bytes.
func NewStringKV(key Key, s string) KV {
	return NewKeyKV(key, []byte(s))
}

// Name returns the key name without padding.
func (kv KV) Name() string {
	return trimName(kv.raw[:KeySize])
}

// Key returns the well-known key, or KeyUnknown.
func (kv KV) Key() Key {
	return ParseKey(kv.Name())
}

// Payload returns the record payload. The slice aliases the record.
func (kv KV) Payload() []byte {
	return kv.raw[KVHeaderSize:]
}

// String returns the payload as a string, for raw string records.
func (kv KV) String() string {
	return string(bytes.TrimRight(kv.Payload(), "\x00"))
}

// Size is the encoded size of the record.
func (kv KV) Size() int {
	return len(kv.raw)
}

// Bytes returns the encoded record.
func (kv KV) Bytes() []byte {
	return kv.raw
}

func trimName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// KVReader walks the records of an encoded frame.
type KVReader struct {
	frame     []byte
	off       int
	remaining uint32
}

// NewKVReader prepares a walk over frame. Only the header fields are
// consulted, checksums are not verified.
func NewKVReader(frame []byte) (*KVReader, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	size := binary.BigEndian.Uint32(frame[32:36])
	if size < HeaderSize || uint64(size) > uint64(len(frame)) {
		return nil, fmt.Errorf("%w: packet size %d", ErrMalformed, size)
	}
	count := binary.BigEndian.Uint32(frame[36:40])
	if count > 0 && size < HeaderSize+KVHeaderSize {
		return nil, fmt.Errorf("%w: %d records but no room for one", ErrMalformed, count)
	}
	return &KVReader{
		frame:     frame[:size],
		off:       HeaderSize,
		remaining: count,
	}, nil
}

// Next returns the next record, io.EOF once every declared record has been
// returned, or ErrMalformed when a record would run past the packet size.
func (r *KVReader) Next() (KV, error) {
	if r.remaining == 0 {
		return KV{}, io.EOF
	}
	if r.off+KVHeaderSize > len(r.frame) {
		return KV{}, fmt.Errorf("%w: record header at %d overruns frame", ErrMalformed, r.off)
	}
	plen := binary.BigEndian.Uint32(r.frame[r.off+KeySize : r.off+KVHeaderSize])
	end := uint64(r.off) + KVHeaderSize + uint64(plen)
	if end > uint64(len(r.frame)) {
		return KV{}, fmt.Errorf("%w: record payload of %d bytes overruns frame", ErrMalformed, plen)
	}
	kv := KV{raw: r.frame[r.off:int(end)]}
	r.off = int(end)
	r.remaining--
	return kv, nil
}

// Offset is the position just past the last record returned.
func (r *KVReader) Offset() int {
	return r.off
}

// FindKV scans an encoded frame for the first record named key, ignoring case.
func FindKV(frame []byte, key string) (KV, error) {
	r, err := NewKVReader(frame)
	if err != nil {
		return KV{}, err
	}
	for {
		kv, err := r.Next()
		if errors.Is(err, io.EOF) {
			return KV{}, ErrKVNotFound
		}
		if err != nil {
			return KV{}, err
		}
		if strings.EqualFold(kv.Name(), key) {
			return kv, nil
		}
	}
}

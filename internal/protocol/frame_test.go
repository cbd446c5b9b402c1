package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKVs(n int) []KV {
	kvs := make([]KV, 0, n)
	for i := 0; i < n; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, i*7)
		kvs = append(kvs, NewKV(fmt.Sprintf("KEY%d", i), payload))
	}
	return kvs
}

func TestEncodeFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		typeName string
		seq      uint32
		kvs      []KV
	}{
		{"no records", "PING", 0, nil},
		{"empty payload", "MESSAGE", 1, []KV{NewKV("EMPTY", nil)}},
		{"several records", "OPENRESP", 0xfffffffe, testKVs(5)},
		{"long key truncated", "DATA", 42, []KV{NewKV("ABCDEFGHIJKLMNOPQRS", []byte("x"))}},
		{"custom type", "VENDORCMD", 9, testKVs(2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeFrame(tt.typeName, tt.seq, tt.kvs)
			require.NoError(t, err)
			require.NoError(t, Validate(buf))

			hdr, err := ParseHeader(buf)
			require.NoError(t, err)
			assert.Equal(t, Signature, hdr.Signature)
			assert.Equal(t, tt.seq, hdr.Sequence)
			assert.Equal(t, uint32(len(buf)), hdr.PacketSize)
			assert.Equal(t, uint32(len(tt.kvs)), hdr.KVCount)

			for _, kv := range tt.kvs {
				found, err := FindKV(buf, kv.Name())
				require.NoError(t, err)
				assert.Equal(t, kv.Payload(), found.Payload())
			}
			_, err = FindKV(buf, "NOSUCHKEY")
			assert.ErrorIs(t, err, ErrKVNotFound)

			f, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.seq, f.Sequence)
			assert.Len(t, f.KVs, len(tt.kvs))
		})
	}
}

func TestEncodeFrame_KeyTruncation(t *testing.T) {
	kv := NewKV("ABCDEFGHIJKLMNOPQRS", nil)
	assert.Equal(t, "ABCDEFGHIJKLMNOP", kv.Name())
}

func TestFindKV_CaseInsensitive(t *testing.T) {
	buf, err := EncodeFrame("CONFIGURE", 3, []KV{NewStringKV(KeyChanset, "6")})
	require.NoError(t, err)

	kv, err := FindKV(buf, "chanset")
	require.NoError(t, err)
	assert.Equal(t, "6", kv.String())
	assert.Equal(t, KeyChanset, kv.Key())

	f, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeConfigure, f.Type)
	_, ok := f.Find(KeyChanset)
	assert.True(t, ok)
}

func TestFindKV_MalformedDistinctFromNotFound(t *testing.T) {
	buf, err := EncodeFrame("DATA", 1, []KV{NewKV("PACKET", []byte("abcdef"))})
	require.NoError(t, err)

	// Claim a payload longer than the frame.
	binary.BigEndian.PutUint32(buf[HeaderSize+KeySize:], 1000)
	_, err = FindKV(buf, "OTHER")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.NotErrorIs(t, err, ErrKVNotFound)
}

func TestKVReader_NoRoomForDeclaredRecord(t *testing.T) {
	buf, err := EncodeFrame("PING", 0, nil)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(buf[offKVCount:], 1)

	_, err = NewKVReader(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidate_DetectsEverySingleBitFlip(t *testing.T) {
	kvs := []KV{
		NewStringKV(KeyDefinition, "pcapfile:/tmp/x.pcap"),
		EncodeSuccess(true, 7),
		NewKV("EMPTY", nil),
	}
	buf, err := EncodeFrame("PROBEDEVICE", 7, kvs)
	require.NoError(t, err)
	require.NoError(t, Validate(buf))

	for i := range buf {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), buf...)
			corrupt[i] ^= 1 << bit
			if err := Validate(corrupt); err == nil {
				t.Fatalf("flip of byte %d bit %d was not detected", i, bit)
			}
		}
	}
}

func TestValidate_ChecksumFieldsAreIndependent(t *testing.T) {
	buf, err := EncodeFrame("DATA", 5, testKVs(3))
	require.NoError(t, err)

	headerOnly := append([]byte(nil), buf...)
	headerOnly[offHeaderSum] ^= 0x10
	assert.ErrorIs(t, Validate(headerOnly), ErrHeaderChecksum)

	dataOnly := append([]byte(nil), buf...)
	dataOnly[offDataSum+3] ^= 0x01
	assert.NoError(t, ValidateHeader(dataOnly))
	assert.ErrorIs(t, Validate(dataOnly), ErrDataChecksum)

	payload := append([]byte(nil), buf...)
	payload[len(payload)-1] ^= 0x80
	assert.NoError(t, ValidateHeader(payload))
	assert.ErrorIs(t, Validate(payload), ErrDataChecksum)
}

func TestValidate_BadSignature(t *testing.T) {
	buf, err := EncodeFrame("PING", 1, nil)
	require.NoError(t, err)
	binary.BigEndian.PutUint32(buf, 0x12345678)
	assert.ErrorIs(t, Validate(buf), ErrBadSignature)
}

func TestEncodeHeader_StreamingMatchesBulk(t *testing.T) {
	for n := 0; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d records", n), func(t *testing.T) {
			kvs := testKVs(n)
			hdr, total, err := EncodeHeader("DATA", uint32(n), kvs)
			require.NoError(t, err)

			full := append([]byte(nil), hdr...)
			for _, kv := range kvs {
				full = append(full, kv.Bytes()...)
			}
			require.Len(t, full, total)

			zeroed := append([]byte(nil), full...)
			for i := offHeaderSum; i < offSequence; i++ {
				zeroed[i] = 0
			}
			bulk := ChecksumBytes(zeroed)
			assert.Equal(t, bulk, binary.BigEndian.Uint32(hdr[offDataSum:]))

			if n == 0 {
				assert.Equal(t, hdr[offHeaderSum:offDataSum], hdr[offDataSum:offSequence])
			}
		})
	}
}

func TestParseFrame_ByteByByte(t *testing.T) {
	const definition = "catsniffer:device=/dev/ttyACM0,band=2400"
	buf, err := EncodeFrame("PROBEDEVICE", 7, []KV{NewStringKV(KeyDefinition, definition)})
	require.NoError(t, err)

	var stream []byte
	for i, b := range buf {
		stream = append(stream, b)
		n, f, err := ParseFrame(stream, 1<<20)
		require.NoError(t, err)
		if i < len(buf)-1 {
			require.Zero(t, n, "frame reported complete after %d of %d bytes", i+1, len(buf))
			require.Nil(t, f)
			continue
		}
		require.Equal(t, len(buf), n)
		require.NotNil(t, f)
		assert.Equal(t, TypeProbeDevice, f.Type)
		assert.Equal(t, "PROBEDEVICE", f.TypeName)
		assert.Equal(t, uint32(7), f.Sequence)
		kv, ok := f.Find(KeyDefinition)
		require.True(t, ok)
		assert.Equal(t, definition, string(kv.Payload()))
	}
}

func TestParseFrame_Errors(t *testing.T) {
	good, err := EncodeFrame("PING", 1, nil)
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		_, _, err := ParseFrame(bytes.Repeat([]byte{0xaa}, HeaderSize), 0)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("too large", func(t *testing.T) {
		buf, err := EncodeFrame("DATA", 1, []KV{NewKV("PACKET", make([]byte, 512))})
		require.NoError(t, err)
		_, _, err = ParseFrame(buf, 256)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("two frames back to back", func(t *testing.T) {
		stream := append(append([]byte(nil), good...), good...)
		n, f, err := ParseFrame(stream, 0)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, len(good), n)
		n, f, err = ParseFrame(stream[n:], 0)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, TypePing, f.Type)
		assert.Equal(t, len(good), n)
	})
}

func TestParseFrameType(t *testing.T) {
	assert.Equal(t, TypeOpenDevice, ParseFrameType("opendevice"))
	assert.Equal(t, TypePong, ParseFrameType("PONG"))
	assert.Equal(t, TypeUnknown, ParseFrameType("FOO"))
	assert.Equal(t, "UNKNOWN", TypeUnknown.String())
	assert.Equal(t, KeyInterfaceList, ParseKey("interfacelist"))
}

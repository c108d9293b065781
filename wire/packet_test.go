package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripData(t *testing.T) {
	cases := []Packet{
		NewData(1, []uint32{1}),
		NewData(42, []uint32{1, 2, 3, 4, 5, 6, 7, 8}),
		NewData(7, []uint32{MaxSeqNumber}),
	}
	for _, p := range cases {
		b, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestCodecRoundTripAck(t *testing.T) {
	p := NewAck([]uint32{5, 6, 7})
	b, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeRejectsOversizeBatch(t *testing.T) {
	_, err := Encode(NewData(1, make([]uint32, MaxSeqsPerPacket+1)))
	assert.Error(t, err)
}

func TestEncodeRejectsEmptyBatch(t *testing.T) {
	_, err := Encode(NewData(1, nil))
	assert.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	p := NewData(1, []uint32{1, 2, 3})
	b, err := Encode(p)
	require.NoError(t, err)

	for n := 0; n < len(b); n++ {
		_, err := Decode(b[:n])
		assert.Error(t, err, "expected malformed error at truncation length %d", n)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x01, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsZeroCount(t *testing.T) {
	_, err := Decode([]byte{byte(Ack), 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsOverMaxCount(t *testing.T) {
	b := []byte{byte(Ack), MaxSeqsPerPacket + 1}
	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

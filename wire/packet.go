// Package wire implements the fixed big-endian framing used by the
// perfect-link and broadcast layers to exchange DATA and ACK packets
// over a single UDP datagram.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxSeqsPerPacket bounds how many sequence numbers a single packet may
// carry, on the wire and in memory.
const MaxSeqsPerPacket = 8

// MaxSeqNumber is the largest sequence number an originator may assign
// (2^31 - 1).
const MaxSeqNumber = 1<<31 - 1

// Type distinguishes DATA from ACK packets on the wire.
type Type byte

const (
	// Data carries one or more application message sequence numbers
	// from a single origin.
	Data Type = 0x01
	// Ack carries sequence numbers being acknowledged back to whichever
	// transport peer sent the corresponding DATA packet.
	Ack Type = 0x02
)

// ErrMalformed is returned for any datagram that does not decode into a
// well-formed Packet. Callers drop the datagram silently per the
// protocol-error policy.
var ErrMalformed = errors.New("wire: malformed packet")

// Packet is the decoded form of a DATA or ACK datagram. Origin is only
// meaningful (and only present on the wire) for Data packets.
type Packet struct {
	Type   Type
	Origin uint32
	Seqs   []uint32
}

// Encode serializes p into its wire representation.
//
//	DATA: u8(type) | u32(origin) | u8(count) | count * u32(seq)
//	ACK : u8(type) | u8(count)   | count * u32(seq)
func Encode(p Packet) ([]byte, error) {
	if len(p.Seqs) == 0 || len(p.Seqs) > MaxSeqsPerPacket {
		return nil, fmt.Errorf("wire: encode: seq count %d out of range [1,%d]", len(p.Seqs), MaxSeqsPerPacket)
	}

	size := 2 + 4*len(p.Seqs)
	if p.Type == Data {
		size += 4
	}
	buf := make([]byte, size)

	buf[0] = byte(p.Type)
	off := 1
	if p.Type == Data {
		binary.BigEndian.PutUint32(buf[off:], p.Origin)
		off += 4
	}
	buf[off] = byte(len(p.Seqs))
	off++
	for _, seq := range p.Seqs {
		binary.BigEndian.PutUint32(buf[off:], seq)
		off += 4
	}
	return buf, nil
}

// Decode parses a received datagram into a Packet. Any truncation,
// unknown type tag, or over-long seq count yields ErrMalformed.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return Packet{}, ErrMalformed
	}

	p := Packet{Type: Type(b[0])}
	off := 1

	switch p.Type {
	case Data:
		if len(b) < off+5 {
			return Packet{}, ErrMalformed
		}
		p.Origin = binary.BigEndian.Uint32(b[off:])
		off += 4
	case Ack:
		// no origin field
	default:
		return Packet{}, ErrMalformed
	}

	if off >= len(b) {
		return Packet{}, ErrMalformed
	}
	count := int(b[off])
	off++
	if count == 0 || count > MaxSeqsPerPacket {
		return Packet{}, ErrMalformed
	}
	if len(b) < off+4*count {
		return Packet{}, ErrMalformed
	}

	p.Seqs = make([]uint32, count)
	for i := 0; i < count; i++ {
		p.Seqs[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	return p, nil
}

// NewData builds a DATA packet for origin carrying seqs, which must be a
// non-empty, non-too-long batch sharing a single origin.
func NewData(origin uint32, seqs []uint32) Packet {
	return Packet{Type: Data, Origin: origin, Seqs: seqs}
}

// NewAck builds an ACK packet carrying the given seqs.
func NewAck(seqs []uint32) Packet {
	return Packet{Type: Ack, Seqs: seqs}
}

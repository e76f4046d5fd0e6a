// Package rtp implements the RTP ingress pipeline: header parsing, a
// sliding sequence-number reorder window, and MPEG-TS payload extraction.
// Header parsing is built on github.com/pion/rtp rather than a hand-rolled
// bit-twiddler, treating *rtp.Packet as the wire type the rest of the
// pipeline operates on.
package rtp

import (
	"errors"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// ErrInvalidPacket covers a packet too short to contain a header, or not
// RTP version 2.
var ErrInvalidPacket = errors.New("rtp: invalid packet")

// ErrPayloadTypeMismatch is returned by Parse when a configured expected
// payload type is given and the packet doesn't match it.
var ErrPayloadTypeMismatch = errors.New("rtp: unexpected payload type")

// Packet is a parsed RTP packet together with its MPEG-TS payload, already
// stripped of header, CSRC list, and extension. See FECBlockID for how
// FEC-configured services recover block metadata carried in the payload.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	Payload        []byte

	// HasExtension reports whether the wire packet carried a header
	// extension; this decoder doesn't parse its contents (see FECBlockID).
	HasExtension bool
}

// Parse extracts an RTP header and payload from buf. If wantPT is
// non-negative, packets whose payload type doesn't match it are rejected
// with ErrPayloadTypeMismatch, verifying the payload type matches the
// service's configured expectation.
func Parse(buf []byte, wantPT int) (Packet, error) {
	var p pionrtp.Packet
	if err := p.Unmarshal(buf); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if p.Version != 2 {
		return Packet{}, fmt.Errorf("%w: version %d", ErrInvalidPacket, p.Version)
	}
	if wantPT >= 0 && int(p.PayloadType) != wantPT {
		return Packet{}, ErrPayloadTypeMismatch
	}
	return Packet{
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		PayloadType:    p.PayloadType,
		Marker:         p.Marker,
		Payload:        p.Payload,
		HasExtension:   p.Extension,
	}, nil
}

// FECBlockID extracts the FEC block ID and shard index from a packet.
// pion/rtp's generic (non-one-byte/two-byte) extension accessors aren't a
// stable target to build the block ID's byte layout on, so instead, for
// FEC-configured
// services, the first 5 bytes of the payload itself carry a big-endian
// blockID (4 bytes) + shardIndex (1 byte) prefix before the MPEG-TS/FEC
// shard payload; HasExtension is still surfaced for informational/debug
// purposes but is not where this decoder reads the block ID from.
func FECBlockID(p Packet) (blockID uint32, shardIndex uint8, rest []byte, ok bool) {
	if len(p.Payload) < 5 {
		return 0, 0, nil, false
	}
	b := p.Payload
	blockID = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	shardIndex = b[4]
	return blockID, shardIndex, b[5:], true
}

// SeqDelta returns the signed distance from a to b on the 16-bit wrapping
// sequence space, positive when b comes after a. Used by the reorder
// window to decide whether an arriving packet is within, behind, or ahead
// of the current window.
func SeqDelta(a, b uint16) int32 {
	return int32(int16(b - a))
}

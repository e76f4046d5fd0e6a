// Package fcc implements the Fast-Channel-Change session state machine: it
// splices a unicast burst into the multicast stream on sequence-number
// synchronization so a new client starts on an IDR frame instead of
// waiting for the multicast GOP boundary.
//
// Both carrier variants share a common 12-byte RTCP Generic Feedback
// header (version/padding/FMT, PT=205, length, sender SSRC, and a field
// the carrier protocol repurposes to carry the media source's IPv4
// address instead of an SSRC). The first 4 bytes of that header are
// standard RTCP and are built with github.com/pion/rtcp.Header; the
// sender-SSRC and media-source-IP fields and the variant-specific FCI
// payload are FCC-specific and have no pion/rtcp type, so they're
// appended manually.
package fcc

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/pion/rtcp"
)

// FMT values for the two supported carrier variants.
const (
	FMTTelecomRequest     uint8 = 2
	FMTTelecomResponse    uint8 = 3
	FMTTelecomSync        uint8 = 4
	FMTTelecomTermination uint8 = 5

	FMTHuaweiRequest     uint8 = 5
	FMTHuaweiResponse    uint8 = 6
	FMTHuaweiSync        uint8 = 8
	FMTHuaweiTermination uint8 = 9
)

// commonHeaderLen is the 12-byte header shared by both variants: 4 bytes
// of standard RTCP header, 4 bytes sender SSRC, 4 bytes media-source IPv4.
const commonHeaderLen = 12

var ErrFrameTooShort = errors.New("fcc: frame shorter than common header")

// Frame is a decoded RTCP Generic Feedback (PT=205) FCC frame.
type Frame struct {
	FMT          uint8
	SenderSSRC   uint32
	MediaSourceIP net.IP
	FCI          []byte
}

// EncodeFrame builds the 12-byte common header plus fci.
func EncodeFrame(fmtVal uint8, senderSSRC uint32, mediaSourceIP net.IP, fci []byte) ([]byte, error) {
	words := (commonHeaderLen + len(fci) + 3) / 4 - 1
	h := rtcp.Header{
		Padding: false,
		Count:   fmtVal,
		Type:    rtcp.TypeTransportSpecificFeedback,
		Length:  uint16(words),
	}
	hdr, err := h.Marshal()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, commonHeaderLen+len(fci))
	out = append(out, hdr...)

	var ssrcBuf [4]byte
	binary.BigEndian.PutUint32(ssrcBuf[:], senderSSRC)
	out = append(out, ssrcBuf[:]...)

	ip4 := mediaSourceIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	out = append(out, ip4...)
	out = append(out, fci...)
	return out, nil
}

// DecodeFrame parses a received FCC frame.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < commonHeaderLen {
		return Frame{}, ErrFrameTooShort
	}
	var h rtcp.Header
	if err := h.Unmarshal(buf[:4]); err != nil {
		return Frame{}, err
	}
	senderSSRC := binary.BigEndian.Uint32(buf[4:8])
	mediaIP := net.IPv4(buf[8], buf[9], buf[10], buf[11])
	return Frame{
		FMT:           h.Count,
		SenderSSRC:    senderSSRC,
		MediaSourceIP: mediaIP,
		FCI:           buf[commonHeaderLen:],
	}, nil
}

// NATKeepaliveMagic identifies the Huawei variant's 8-byte NAT-punching
// packet: magic 0x0003 followed by the session ID.
const NATKeepaliveMagic uint16 = 0x0003

// EncodeNATKeepalive builds the 8-byte keepalive packet.
func EncodeNATKeepalive(sessionID uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], NATKeepaliveMagic)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], sessionID)
	return buf
}

// IsNATKeepalive reports whether buf looks like a keepalive packet rather
// than an RTCP feedback frame.
func IsNATKeepalive(buf []byte) bool {
	return len(buf) == 8 && binary.BigEndian.Uint16(buf[0:2]) == NATKeepaliveMagic
}

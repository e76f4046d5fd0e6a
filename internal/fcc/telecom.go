package fcc

import (
	"encoding/binary"
	"errors"
	"net"
)

// Variant A (Telecom/ZTE/FiberHome) FCI layouts. Exact wire offsets aren't
// externally standardized; this layout keeps every field
// the spec lists, in the order it lists them.

var ErrMalformedFCI = errors.New("fcc: malformed FCI payload")

// TelecomRequest is the FMT=2 client request FCI.
type TelecomRequest struct {
	Version       uint8
	ClientPort    uint16
	MulticastPort uint16
	MulticastIP   net.IP
	STBID         [16]byte
}

func EncodeTelecomRequest(r TelecomRequest) []byte {
	buf := make([]byte, 1+1+2+2+4+16)
	buf[0] = r.Version
	binary.BigEndian.PutUint16(buf[2:4], r.ClientPort)
	binary.BigEndian.PutUint16(buf[4:6], r.MulticastPort)
	copy(buf[6:10], r.MulticastIP.To4())
	copy(buf[10:26], r.STBID[:])
	return buf
}

func DecodeTelecomRequest(fci []byte) (TelecomRequest, error) {
	if len(fci) < 26 {
		return TelecomRequest{}, ErrMalformedFCI
	}
	r := TelecomRequest{
		Version:       fci[0],
		ClientPort:    binary.BigEndian.Uint16(fci[2:4]),
		MulticastPort: binary.BigEndian.Uint16(fci[4:6]),
		MulticastIP:   net.IPv4(fci[6], fci[7], fci[8], fci[9]),
	}
	copy(r.STBID[:], fci[10:26])
	return r, nil
}

// Telecom action codes (FMT=3 response).
const (
	ActionJoinImmediately uint8 = 0
	ActionStartUnicast    uint8 = 1
	ActionRedirect        uint8 = 2
)

// TelecomResponse is the FMT=3 server response FCI.
type TelecomResponse struct {
	ResultCode      uint8
	ActionCode      uint8
	SignalPort      uint16
	MediaPort       uint16
	NewServerIP     net.IP
	ValidTime       uint16
	BurstSpeed      uint32
	SpeedAfterSync  uint32
}

func DecodeTelecomResponse(fci []byte) (TelecomResponse, error) {
	if len(fci) < 20 {
		return TelecomResponse{}, ErrMalformedFCI
	}
	return TelecomResponse{
		ResultCode:     fci[0],
		ActionCode:     fci[1],
		SignalPort:     binary.BigEndian.Uint16(fci[2:4]),
		MediaPort:      binary.BigEndian.Uint16(fci[4:6]),
		NewServerIP:    net.IPv4(fci[6], fci[7], fci[8], fci[9]),
		ValidTime:      binary.BigEndian.Uint16(fci[10:12]),
		BurstSpeed:     binary.BigEndian.Uint32(fci[12:16]),
		SpeedAfterSync: binary.BigEndian.Uint32(fci[16:20]),
	}, nil
}

// TelecomSync is the FMT=4 sync-notification FCI: carries the first
// multicast sequence number clients should watch for.
type TelecomSync struct {
	FirstMulticastSeq uint16
}

func DecodeTelecomSync(fci []byte) (TelecomSync, error) {
	if len(fci) < 2 {
		return TelecomSync{}, ErrMalformedFCI
	}
	return TelecomSync{FirstMulticastSeq: binary.BigEndian.Uint16(fci[0:2])}, nil
}

// TelecomTermination is the FMT=5 termination FCI: stop bit + first
// multicast sequence. This is 3 bytes, distinguishing it from the Huawei
// variant's FMT=5 client-request FCI by length alone.
type TelecomTermination struct {
	Stop              bool
	FirstMulticastSeq uint16
}

func EncodeTelecomTermination(t TelecomTermination) []byte {
	buf := make([]byte, 3)
	if t.Stop {
		buf[0] = 1
	}
	binary.BigEndian.PutUint16(buf[1:3], t.FirstMulticastSeq)
	return buf
}

// telecomTerminationFCILen is the boundary used to tell a Variant-A
// termination frame apart from a Variant-B request frame when both arrive
// as FMT=5 (DESIGN.md Open Question decision): <= this length is Variant A.
const telecomTerminationFCILen = 3

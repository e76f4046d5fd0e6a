package fcc

import (
	"encoding/binary"
	"net"
)

// Variant B (Huawei) FCI layouts.

// HuaweiRequest is the FMT=5 client request FCI: longer than Variant A's
// FMT=5 termination FCI, which is how a receiver distinguishes the two
// when both ride FMT=5 (see telecomTerminationFCILen).
type HuaweiRequest struct {
	LocalIP            net.IP
	ClientPort         uint16
	Flags              uint8
	RedirectSupported  bool
}

func EncodeHuaweiRequest(r HuaweiRequest) []byte {
	buf := make([]byte, 2+4+2+1+1)
	// 2 reserved bytes
	copy(buf[2:6], r.LocalIP.To4())
	binary.BigEndian.PutUint16(buf[6:8], r.ClientPort)
	buf[8] = r.Flags
	if r.RedirectSupported {
		buf[9] = 1
	}
	return buf
}

func DecodeHuaweiRequest(fci []byte) (HuaweiRequest, error) {
	if len(fci) < 10 {
		return HuaweiRequest{}, ErrMalformedFCI
	}
	return HuaweiRequest{
		LocalIP:           net.IPv4(fci[2], fci[3], fci[4], fci[5]),
		ClientPort:        binary.BigEndian.Uint16(fci[6:8]),
		Flags:             fci[8],
		RedirectSupported: fci[9] != 0,
	}, nil
}

// Huawei response types (FMT=6).
const (
	HuaweiTypeNoUnicast uint8 = 0
	HuaweiTypeUnicast   uint8 = 1
	HuaweiTypeRedirect  uint8 = 2
)

// HuaweiResponse is the FMT=6 server response FCI.
type HuaweiResponse struct {
	Result    uint8
	Type      uint8
	NATFlag   bool
	ServerPort uint16
	SessionID uint32
	ServerIP  net.IP
}

func DecodeHuaweiResponse(fci []byte) (HuaweiResponse, error) {
	if len(fci) < 13 {
		return HuaweiResponse{}, ErrMalformedFCI
	}
	return HuaweiResponse{
		Result:     fci[0],
		Type:       fci[1],
		NATFlag:    fci[2] != 0,
		ServerPort: binary.BigEndian.Uint16(fci[3:5]),
		SessionID:  binary.BigEndian.Uint32(fci[5:9]),
		ServerIP:   net.IPv4(fci[9], fci[10], fci[11], fci[12]),
	}, nil
}

// HuaweiSync is the FMT=8 sync-notification FCI.
type HuaweiSync struct {
	FirstMulticastSeq uint16
}

func DecodeHuaweiSync(fci []byte) (HuaweiSync, error) {
	if len(fci) < 2 {
		return HuaweiSync{}, ErrMalformedFCI
	}
	return HuaweiSync{FirstMulticastSeq: binary.BigEndian.Uint16(fci[0:2])}, nil
}

// HuaweiTermination is the FMT=9 termination FCI.
type HuaweiTermination struct {
	SessionID uint32
}

func EncodeHuaweiTermination(t HuaweiTermination) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, t.SessionID)
	return buf
}

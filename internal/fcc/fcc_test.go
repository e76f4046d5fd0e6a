package fcc

import (
	"net"
	"testing"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/service"
	"github.com/stretchr/testify/require"
)

func TestTelecomFrameRoundTrip(t *testing.T) {
	fci := EncodeTelecomRequest(TelecomRequest{
		Version:       1,
		ClientPort:    5004,
		MulticastPort: 5000,
		MulticastIP:   net.IPv4(239, 1, 1, 1),
		STBID:         [16]byte{1, 2, 3},
	})
	frame, err := EncodeFrame(FMTTelecomRequest, 0xAAAABBBB, net.IPv4(239, 1, 1, 1), fci)
	require.NoError(t, err)

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, FMTTelecomRequest, decoded.FMT)
	require.Equal(t, uint32(0xAAAABBBB), decoded.SenderSSRC)

	req, err := DecodeTelecomRequest(decoded.FCI)
	require.NoError(t, err)
	require.Equal(t, uint16(5004), req.ClientPort)
	require.Equal(t, uint16(5000), req.MulticastPort)
}

func TestTelecomHappyPathToHandover(t *testing.T) {
	s := NewSession(Config{
		Protocol:      service.FCCTelecom,
		ServerIP:      net.IPv4(10, 0, 0, 1),
		ServerPort:    6000,
		ClientPort:    7000,
		MulticastIP:   net.IPv4(239, 1, 1, 1),
		MulticastPort: 5000,
		SenderSSRC:    1,
	})
	now := time.Now()

	_, err := s.RequestFrame(now)
	require.NoError(t, err)
	require.Equal(t, StateRequestSent, s.State())

	respFCI := make([]byte, 20)
	respFCI[1] = ActionStartUnicast
	respFrame, err := EncodeFrame(FMTTelecomResponse, 1, net.IPv4(10, 0, 0, 1), respFCI)
	require.NoError(t, err)

	ev, err := s.HandleControlFrame(respFrame, now)
	require.NoError(t, err)
	require.Equal(t, EventNone, ev.Kind)
	require.Equal(t, StateUnicastStreaming, s.State())

	syncFCI := make([]byte, 2)
	syncFCI[0] = 0x12
	syncFCI[1] = 0x34
	syncFrame, err := EncodeFrame(FMTTelecomSync, 1, net.IPv4(10, 0, 0, 1), syncFCI)
	require.NoError(t, err)

	ev, err = s.HandleControlFrame(syncFrame, now)
	require.NoError(t, err)
	require.Equal(t, EventAwaitingMulticast, ev.Kind)
	require.Equal(t, uint16(0x1234), ev.FirstMulticastSeq)
	require.Equal(t, StateAwaitingMulticast, s.State())

	require.False(t, s.HandleMulticastPacket(0x1233))
	require.True(t, s.HandleMulticastPacket(0x1234))
	require.Equal(t, StateHandedOver, s.State())

	frame, ok := s.TerminateFrame()
	require.True(t, ok)
	require.NotEmpty(t, frame)

	// Idempotent: second call is a no-op.
	_, ok = s.TerminateFrame()
	require.False(t, ok)
}

func TestRequestTimeoutFallsBack(t *testing.T) {
	s := NewSession(Config{
		Protocol:       service.FCCTelecom,
		ServerIP:       net.IPv4(10, 0, 0, 1),
		ServerPort:     6000,
		RequestTimeout: 10 * time.Millisecond,
		MulticastIP:    net.IPv4(239, 1, 1, 1),
	})
	now := time.Now()
	_, err := s.RequestFrame(now)
	require.NoError(t, err)

	require.False(t, s.CheckTimeout(now.Add(5*time.Millisecond)))
	require.True(t, s.CheckTimeout(now.Add(20*time.Millisecond)))
	require.Equal(t, StateFallback, s.State())
}

func TestRedirectLimitTriggersFallback(t *testing.T) {
	s := NewSession(Config{
		Protocol:    service.FCCTelecom,
		ServerIP:    net.IPv4(10, 0, 0, 1),
		ServerPort:  6000,
		MulticastIP: net.IPv4(239, 1, 1, 1),
	})
	now := time.Now()

	for i := 0; i < MaxRedirects; i++ {
		_, err := s.RequestFrame(now)
		require.NoError(t, err)

		redirFCI := make([]byte, 20)
		redirFCI[1] = ActionRedirect
		redirFCI[6], redirFCI[7], redirFCI[8], redirFCI[9] = 10, 0, 0, byte(2+i)
		frame, _ := EncodeFrame(FMTTelecomResponse, 1, net.IPv4(10, 0, 0, 1), redirFCI)

		ev, err := s.HandleControlFrame(frame, now)
		require.NoError(t, err)
		require.Equal(t, EventRedirect, ev.Kind)
		require.Equal(t, StateInit, s.State())
	}

	_, err := s.RequestFrame(now)
	require.NoError(t, err)
	redirFCI := make([]byte, 20)
	redirFCI[1] = ActionRedirect
	frame, _ := EncodeFrame(FMTTelecomResponse, 1, net.IPv4(10, 0, 0, 1), redirFCI)
	_, err = s.HandleControlFrame(frame, now)
	require.ErrorIs(t, err, ErrRedirectLimitExceeded)
	require.Equal(t, StateFallback, s.State())
}

func TestBurstSuppressedAtSplicePoint(t *testing.T) {
	s := NewSession(Config{
		Protocol:    service.FCCTelecom,
		ServerIP:    net.IPv4(10, 0, 0, 1),
		ServerPort:  6000,
		MulticastIP: net.IPv4(239, 1, 1, 1),
		SenderSSRC:  1,
	})
	now := time.Now()
	_, err := s.RequestFrame(now)
	require.NoError(t, err)

	respFCI := make([]byte, 20)
	respFCI[1] = ActionStartUnicast
	respFrame, _ := EncodeFrame(FMTTelecomResponse, 1, net.IPv4(10, 0, 0, 1), respFCI)
	_, err = s.HandleControlFrame(respFrame, now)
	require.NoError(t, err)

	// Burst runs freely before the sync notification names a splice point.
	require.False(t, s.BurstSeqBeyondSync(100))

	syncFCI := []byte{0x00, 0x64} // first multicast seq = 100
	syncFrame, _ := EncodeFrame(FMTTelecomSync, 1, net.IPv4(10, 0, 0, 1), syncFCI)
	_, err = s.HandleControlFrame(syncFrame, now)
	require.NoError(t, err)

	require.False(t, s.BurstSeqBeyondSync(99), "below the splice point: still burst territory")
	require.True(t, s.BurstSeqBeyondSync(100), "at the splice point: multicast owns it")
	require.True(t, s.BurstSeqBeyondSync(150))
}

func TestBurstSuppressionAcrossSequenceWrap(t *testing.T) {
	s := NewSession(Config{
		Protocol:    service.FCCTelecom,
		ServerIP:    net.IPv4(10, 0, 0, 1),
		ServerPort:  6000,
		MulticastIP: net.IPv4(239, 1, 1, 1),
	})
	now := time.Now()
	_, err := s.RequestFrame(now)
	require.NoError(t, err)

	respFCI := make([]byte, 20)
	respFCI[1] = ActionStartUnicast
	respFrame, _ := EncodeFrame(FMTTelecomResponse, 1, net.IPv4(10, 0, 0, 1), respFCI)
	_, err = s.HandleControlFrame(respFrame, now)
	require.NoError(t, err)

	syncFCI := []byte{0x00, 0x02} // first multicast seq = 2, burst wraps 65534..1
	syncFrame, _ := EncodeFrame(FMTTelecomSync, 1, net.IPv4(10, 0, 0, 1), syncFCI)
	_, err = s.HandleControlFrame(syncFrame, now)
	require.NoError(t, err)

	require.False(t, s.BurstSeqBeyondSync(65534))
	require.False(t, s.BurstSeqBeyondSync(1))
	require.True(t, s.BurstSeqBeyondSync(2))

	require.False(t, s.HandleMulticastPacket(1))
	require.True(t, s.HandleMulticastPacket(2), "sync must match modulo the 16-bit wrap")
}

func TestHuaweiNATKeepaliveCadence(t *testing.T) {
	s := NewSession(Config{
		Protocol:     service.FCCHuawei,
		ServerIP:     net.IPv4(10, 0, 0, 1),
		ServerPort:   6000,
		MulticastIP:  net.IPv4(239, 1, 1, 1),
		NATKeepalive: 10 * time.Millisecond,
	})
	now := time.Now()
	_, err := s.RequestFrame(now)
	require.NoError(t, err)

	respFCI := make([]byte, 13)
	respFCI[1] = HuaweiTypeUnicast
	respFCI[2] = 1 // NAT flag
	respFCI[5], respFCI[6], respFCI[7], respFCI[8] = 0, 0, 0, 42
	frame, _ := EncodeFrame(FMTHuaweiResponse, 1, net.IPv4(10, 0, 0, 1), respFCI)

	_, err = s.HandleControlFrame(frame, now)
	require.NoError(t, err)

	pkt, due := s.NATKeepalive(now)
	require.True(t, due)
	require.True(t, IsNATKeepalive(pkt))

	_, due = s.NATKeepalive(now.Add(5 * time.Millisecond))
	require.False(t, due)

	_, due = s.NATKeepalive(now.Add(15 * time.Millisecond))
	require.True(t, due)
}

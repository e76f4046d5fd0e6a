package fcc

import (
	"errors"
	"net"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// State is the FCC session's position in its state machine.
type State int

const (
	StateInit State = iota
	StateRequestSent
	StateUnicastStreaming
	StateAwaitingMulticast
	StateHandedOver
	StateFallback
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequestSent:
		return "request-sent"
	case StateUnicastStreaming:
		return "unicast-streaming"
	case StateAwaitingMulticast:
		return "awaiting-multicast"
	case StateHandedOver:
		return "handed-over"
	case StateFallback:
		return "fallback"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default timers, used when the matching Config field is zero: 80ms for the
// server's response to a request, 2s for the first multicast packet after
// the sync notification, and a 500ms NAT-keepalive cadence.
const (
	DefaultRequestTimeout    = 80 * time.Millisecond
	DefaultSyncTimeout       = 2 * time.Second
	DefaultNATKeepalive      = 500 * time.Millisecond
	MaxRedirects             = 3
)

var (
	ErrRedirectLimitExceeded = errors.New("fcc: redirect limit exceeded")
	ErrWrongState            = errors.New("fcc: frame received in unexpected state")
)

// Config describes one FCC session's target and identity.
type Config struct {
	Protocol   service.FCCProtocol
	ServerIP   net.IP
	ServerPort int

	ClientPort    int
	MulticastIP   net.IP
	MulticastPort int
	STBID         [16]byte

	SenderSSRC uint32

	RequestTimeout time.Duration
	SyncTimeout    time.Duration
	NATKeepalive   time.Duration
}

// EventKind is the outcome of feeding a control-channel frame or a
// multicast packet to the session.
type EventKind int

const (
	EventNone EventKind = iota
	EventAwaitingMulticast
	EventRedirect
	EventFallback
	EventHandedOver
)

// Event carries any data associated with an EventKind.
type Event struct {
	Kind              EventKind
	RedirectIP        net.IP
	RedirectPort      int
	FirstMulticastSeq uint16
}

// Session drives one FCC burst-then-handover sequence end to end. Not safe
// for concurrent use; owned by the client's event-loop goroutine.
type Session struct {
	cfg Config

	state         State
	redirectCount int

	serverIP   net.IP
	serverPort int

	huaweiSessionID uint32
	natRequired     bool
	natLastSent     time.Time

	requestSentAt  time.Time
	awaitingSince  time.Time
	expectedSeq    uint16

	burstPackets  uint64
	terminated    bool
}

// NewSession creates a session targeting cfg's initial server.
func NewSession(cfg Config) *Session {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.NATKeepalive <= 0 {
		cfg.NATKeepalive = DefaultNATKeepalive
	}
	return &Session{
		cfg:        cfg,
		state:      StateInit,
		serverIP:   cfg.ServerIP,
		serverPort: cfg.ServerPort,
	}
}

// State reports the session's current state.
func (s *Session) State() State { return s.state }

// Server reports the current FCC server address, which can change across
// redirects.
func (s *Session) Server() (net.IP, int) { return s.serverIP, s.serverPort }

// RequestFrame builds the client-request frame for the current server and
// transitions Init → RequestSent. Calling it again after a redirect resets
// the per-attempt deadline.
func (s *Session) RequestFrame(now time.Time) ([]byte, error) {
	if s.state != StateInit {
		return nil, ErrWrongState
	}
	var fci []byte
	var fmtVal uint8
	switch s.cfg.Protocol {
	case service.FCCTelecom:
		fmtVal = FMTTelecomRequest
		fci = EncodeTelecomRequest(TelecomRequest{
			Version:       1,
			ClientPort:    uint16(s.cfg.ClientPort),
			MulticastPort: uint16(s.cfg.MulticastPort),
			MulticastIP:   s.cfg.MulticastIP,
			STBID:         s.cfg.STBID,
		})
	case service.FCCHuawei:
		fmtVal = FMTHuaweiRequest
		fci = EncodeHuaweiRequest(HuaweiRequest{
			ClientPort:        uint16(s.cfg.ClientPort),
			RedirectSupported: true,
		})
	default:
		return nil, errors.New("fcc: unknown protocol")
	}

	frame, err := EncodeFrame(fmtVal, s.cfg.SenderSSRC, s.cfg.MulticastIP, fci)
	if err != nil {
		return nil, err
	}
	s.state = StateRequestSent
	s.requestSentAt = now
	return frame, nil
}

// HandleControlFrame processes one frame received on the FCC unicast
// socket's control channel.
func (s *Session) HandleControlFrame(buf []byte, now time.Time) (Event, error) {
	if IsNATKeepalive(buf) {
		return Event{Kind: EventNone}, nil
	}
	frame, err := DecodeFrame(buf)
	if err != nil {
		return Event{Kind: EventNone}, err
	}

	switch s.cfg.Protocol {
	case service.FCCTelecom:
		return s.handleTelecom(frame, now)
	case service.FCCHuawei:
		return s.handleHuawei(frame, now)
	default:
		return Event{Kind: EventFallback}, nil
	}
}

func (s *Session) handleTelecom(frame Frame, now time.Time) (Event, error) {
	switch frame.FMT {
	case FMTTelecomResponse:
		if s.state != StateRequestSent {
			return Event{Kind: EventNone}, ErrWrongState
		}
		resp, err := DecodeTelecomResponse(frame.FCI)
		if err != nil {
			return s.toFallback(), err
		}
		switch resp.ActionCode {
		case ActionRedirect:
			return s.redirect(resp.NewServerIP, int(resp.SignalPort))
		case ActionJoinImmediately:
			return s.toFallback(), nil
		case ActionStartUnicast:
			s.state = StateUnicastStreaming
			return Event{Kind: EventNone}, nil
		default:
			return s.toFallback(), nil
		}
	case FMTTelecomSync:
		if s.state != StateUnicastStreaming {
			return Event{Kind: EventNone}, ErrWrongState
		}
		sync, err := DecodeTelecomSync(frame.FCI)
		if err != nil {
			return s.toFallback(), err
		}
		s.state = StateAwaitingMulticast
		s.awaitingSince = now
		s.expectedSeq = sync.FirstMulticastSeq
		return Event{Kind: EventAwaitingMulticast, FirstMulticastSeq: sync.FirstMulticastSeq}, nil
	default:
		return Event{Kind: EventNone}, nil
	}
}

func (s *Session) handleHuawei(frame Frame, now time.Time) (Event, error) {
	switch frame.FMT {
	case FMTHuaweiResponse:
		if s.state != StateRequestSent {
			return Event{Kind: EventNone}, ErrWrongState
		}
		resp, err := DecodeHuaweiResponse(frame.FCI)
		if err != nil {
			return s.toFallback(), err
		}
		s.huaweiSessionID = resp.SessionID
		s.natRequired = resp.NATFlag
		switch resp.Type {
		case HuaweiTypeRedirect:
			return s.redirect(resp.ServerIP, int(resp.ServerPort))
		case HuaweiTypeNoUnicast:
			return s.toFallback(), nil
		case HuaweiTypeUnicast:
			s.state = StateUnicastStreaming
			return Event{Kind: EventNone}, nil
		default:
			return s.toFallback(), nil
		}
	case FMTHuaweiSync:
		if s.state != StateUnicastStreaming {
			return Event{Kind: EventNone}, ErrWrongState
		}
		sync, err := DecodeHuaweiSync(frame.FCI)
		if err != nil {
			return s.toFallback(), err
		}
		s.state = StateAwaitingMulticast
		s.awaitingSince = now
		s.expectedSeq = sync.FirstMulticastSeq
		return Event{Kind: EventAwaitingMulticast, FirstMulticastSeq: sync.FirstMulticastSeq}, nil
	default:
		return Event{Kind: EventNone}, nil
	}
}

func (s *Session) redirect(newIP net.IP, newPort int) (Event, error) {
	if s.redirectCount >= MaxRedirects {
		return s.toFallback(), ErrRedirectLimitExceeded
	}
	s.redirectCount++
	s.serverIP = newIP
	s.serverPort = newPort
	s.state = StateInit
	return Event{Kind: EventRedirect, RedirectIP: newIP, RedirectPort: newPort}, nil
}

func (s *Session) toFallback() Event {
	s.state = StateFallback
	return Event{Kind: EventFallback}
}

// HandleMulticastPacket feeds a multicast RTP sequence number observed
// while awaiting handover. Returns true once the expected sequence arrives,
// which is what triggers handover to plain multicast.
func (s *Session) HandleMulticastPacket(seq uint16) bool {
	if s.state != StateAwaitingMulticast {
		return false
	}
	if rtp.SeqDelta(s.expectedSeq, seq) == 0 {
		s.state = StateHandedOver
		return true
	}
	return false
}

// CountBurstPacket tracks how many unicast burst packets have been
// forwarded; purely advisory, never used to gate a state transition.
func (s *Session) CountBurstPacket() { s.burstPackets++ }

// BurstSeqBeyondSync reports whether a unicast burst packet's sequence has
// reached the announced first multicast sequence. Such packets duplicate
// what the multicast stream will deliver and must be suppressed so every
// sequence at or past the splice point comes from multicast alone.
func (s *Session) BurstSeqBeyondSync(seq uint16) bool {
	switch s.state {
	case StateAwaitingMulticast, StateHandedOver, StateClosed:
		return rtp.SeqDelta(s.expectedSeq, seq) >= 0
	default:
		return false
	}
}

// CheckTimeout evaluates the per-state deadline and transitions to
// Fallback if it has elapsed. Returns true if a transition occurred.
func (s *Session) CheckTimeout(now time.Time) bool {
	switch s.state {
	case StateRequestSent:
		if now.Sub(s.requestSentAt) >= s.cfg.RequestTimeout {
			s.toFallback()
			return true
		}
	case StateAwaitingMulticast:
		if now.Sub(s.awaitingSince) >= s.cfg.SyncTimeout {
			s.toFallback()
			return true
		}
	}
	return false
}

// NATKeepalive returns a keepalive packet to send if one is due, at the
// configured cadence, only while the Huawei server indicated its NAT flag.
func (s *Session) NATKeepalive(now time.Time) ([]byte, bool) {
	if !s.natRequired || s.state == StateHandedOver || s.state == StateFallback || s.state == StateClosed {
		return nil, false
	}
	if !s.natLastSent.IsZero() && now.Sub(s.natLastSent) < s.cfg.NATKeepalive {
		return nil, false
	}
	s.natLastSent = now
	return EncodeNATKeepalive(s.huaweiSessionID), true
}

// TerminateFrame builds the protocol-appropriate termination frame once
// handover has occurred, and is idempotent: subsequent calls return nil,
// false.
func (s *Session) TerminateFrame() ([]byte, bool) {
	if s.terminated {
		return nil, false
	}
	s.terminated = true
	s.state = StateClosed

	var fci []byte
	var fmtVal uint8
	switch s.cfg.Protocol {
	case service.FCCTelecom:
		fmtVal = FMTTelecomTermination
		fci = EncodeTelecomTermination(TelecomTermination{Stop: true, FirstMulticastSeq: s.expectedSeq})
	case service.FCCHuawei:
		fmtVal = FMTHuaweiTermination
		fci = EncodeHuaweiTermination(HuaweiTermination{SessionID: s.huaweiSessionID})
	default:
		return nil, false
	}
	frame, err := EncodeFrame(fmtVal, s.cfg.SenderSSRC, s.cfg.MulticastIP, fci)
	if err != nil {
		return nil, false
	}
	return frame, true
}

// RedirectCount reports how many redirects this session has followed.
func (s *Session) RedirectCount() int { return s.redirectCount }

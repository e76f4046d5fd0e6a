// Package service defines the data model shared by every streaming
// component: the immutable Service description resolved by the dispatcher,
// the per-connection Client state machine, and the FCC descriptor carried
// alongside a multicast service.
//
// Values here are never mutated after a Service is resolved; a Client owns
// its own mutable state exclusively on the worker's event-loop goroutine
// (see internal/worker), which is the only writer for the lifetime of the
// connection.
package service

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies which upstream variant a Service describes.
type Kind int

const (
	KindMulticastRTP Kind = iota
	KindMulticastUDP
	KindRTSP
	KindHTTPProxy
)

func (k Kind) String() string {
	switch k {
	case KindMulticastRTP:
		return "multicast-rtp"
	case KindMulticastUDP:
		return "multicast-udp"
	case KindRTSP:
		return "rtsp"
	case KindHTTPProxy:
		return "http-proxy"
	default:
		return "unknown"
	}
}

// FCCProtocol identifies the carrier-specific FCC wire variant.
type FCCProtocol int

const (
	FCCNone FCCProtocol = iota
	FCCTelecom
	FCCHuawei
)

// FCCDescriptor is the optional fast-channel-change hint attached to a
// multicast Service, either from the service table or from the `fcc=`/
// `fcc-type=` query parameters.
type FCCDescriptor struct {
	ServerIP   string
	ServerPort int
	Protocol   FCCProtocol
}

// FECDescriptor is the optional Reed-Solomon parameters attached to a
// multicast Service via the `fec=` query parameter or service table.
type FECDescriptor struct {
	Port        int
	DataShards  int
	ParityShards int
}

// Service is the immutable result of dispatch: what upstream to draw from
// and how. Identified by its canonical URL path. Created when the
// dispatcher resolves a request and discarded when the request completes;
// never mutated, never shared beyond read-only use.
type Service struct {
	Path string
	Kind Kind

	// Multicast / UDP fields.
	Group string
	Port  int

	// RTSP / HTTP-proxy fields.
	URL           string
	Seek          string // optional raw time-shift range value
	SeekParam     string // query parameter name Seek arrived under (playseek, tvdr, or configured)
	SeekOffsetSec int    // operator-configured signed offset applied to both range endpoints
	StartNPT      string // optional floating-seconds NPT resume position

	FCC *FCCDescriptor
	FEC *FECDescriptor
}

func (s Service) String() string {
	switch s.Kind {
	case KindMulticastRTP, KindMulticastUDP:
		return fmt.Sprintf("%s(%s:%d)", s.Kind, s.Group, s.Port)
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.URL)
	}
}

// State is a Client connection's position in its lifecycle state machine.
// Transitions happen only on the worker's event-loop goroutine.
type State int

const (
	StateAccepting State = iota
	StateParsingRequest
	StateDispatching
	StateStreamingLiveMulticast
	StateStreamingFccBurst
	StateStreamingFccSynchronizing
	StateStreamingRtsp
	StateStreamingHttpProxy
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateParsingRequest:
		return "parsing-request"
	case StateDispatching:
		return "dispatching"
	case StateStreamingLiveMulticast:
		return "streaming-live-multicast"
	case StateStreamingFccBurst:
		return "streaming-fcc-burst"
	case StateStreamingFccSynchronizing:
		return "streaming-fcc-synchronizing"
	case StateStreamingRtsp:
		return "streaming-rtsp"
	case StateStreamingHttpProxy:
		return "streaming-http-proxy"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NewClientID returns a fresh opaque per-connection identifier, used in
// logs and the status ring.
func NewClientID() string {
	return uuid.NewString()
}

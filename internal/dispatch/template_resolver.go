package dispatch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// templateResolver is the second-priority stage: udpxy-compatible URL
// templates:
//
//	/rtp/<ip>:<port>
//	/udp/<ip>:<port>
//	/rtsp/<host>:<port>/<path>
//	/http/<host>[:<port>]/<path>
type templateResolver struct{}

func (r *templateResolver) Resolve(path string, _ url.Values) (service.Service, error) {
	segs := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(segs) == 0 || segs[0] == "" {
		return service.Service{}, errNoMatch
	}

	switch segs[0] {
	case "rtp", "udp":
		if len(segs) != 2 {
			return service.Service{}, errNoMatch
		}
		ip, port, ok := splitHostPort(segs[1])
		if !ok {
			return service.Service{}, errNoMatch
		}
		kind := service.KindMulticastUDP
		if segs[0] == "rtp" {
			kind = service.KindMulticastRTP
		}
		return service.Service{Path: path, Kind: kind, Group: ip, Port: port}, nil

	case "rtsp":
		if len(segs) != 2 {
			return service.Service{}, errNoMatch
		}
		hostPort, rest, ok := splitFirst(segs[1])
		if !ok {
			return service.Service{}, errNoMatch
		}
		return service.Service{
			Path: path,
			Kind: service.KindRTSP,
			URL:  fmt.Sprintf("rtsp://%s/%s", hostPort, rest),
		}, nil

	case "http":
		if len(segs) != 2 {
			return service.Service{}, errNoMatch
		}
		hostPort, rest, ok := splitFirst(segs[1])
		if !ok {
			return service.Service{}, errNoMatch
		}
		if !strings.Contains(hostPort, ":") {
			hostPort += ":80"
		}
		return service.Service{
			Path: path,
			Kind: service.KindHTTPProxy,
			URL:  fmt.Sprintf("http://%s/%s", hostPort, rest),
		}, nil
	}

	return service.Service{}, errNoMatch
}

// splitFirst divides "<host>:<port>/<rest...>" into its host:port and
// remainder-path components.
func splitFirst(s string) (hostPort, rest string, ok bool) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return s, "", s != ""
	}
	return s[:i], s[i+1:], s[:i] != ""
}

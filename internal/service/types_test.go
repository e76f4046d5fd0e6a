package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceStringByKind(t *testing.T) {
	require.Equal(t, "multicast-rtp(239.1.1.1:5000)",
		Service{Kind: KindMulticastRTP, Group: "239.1.1.1", Port: 5000}.String())
	require.Equal(t, "multicast-udp(239.1.1.2:5002)",
		Service{Kind: KindMulticastUDP, Group: "239.1.1.2", Port: 5002}.String())
	require.Equal(t, "rtsp(rtsp://host:554/live)",
		Service{Kind: KindRTSP, URL: "rtsp://host:554/live"}.String())
	require.Equal(t, "http-proxy(http://up.example/a.m3u8)",
		Service{Kind: KindHTTPProxy, URL: "http://up.example/a.m3u8"}.String())
}

func TestStateStringCoversLifecycle(t *testing.T) {
	states := []State{
		StateAccepting, StateParsingRequest, StateDispatching,
		StateStreamingLiveMulticast, StateStreamingFccBurst,
		StateStreamingFccSynchronizing, StateStreamingRtsp,
		StateStreamingHttpProxy, StateDraining, StateClosed,
	}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		require.NotEqual(t, "unknown", str)
		require.False(t, seen[str], "state strings must be distinct")
		seen[str] = true
	}
	require.Equal(t, "unknown", State(999).String())
}

func TestNewClientIDUnique(t *testing.T) {
	a := NewClientID()
	b := NewClientID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

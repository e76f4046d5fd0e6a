package worker

import (
	"testing"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/service"
	"github.com/stretchr/testify/require"
)

func TestStatusForDispatchError(t *testing.T) {
	require.Equal(t, 404, statusForDispatchError(service.ErrUnknownService))
	require.Equal(t, 400, statusForDispatchError(service.ErrHostnameMismatch))
	require.Equal(t, 401, statusForDispatchError(service.ErrTokenMismatch))
	require.Equal(t, 404, statusForDispatchError(service.ErrMethodUnsupported))
}

func TestHostMatchesIgnoresPort(t *testing.T) {
	require.True(t, hostMatches("gw.lan:8080", "gw.lan"))
	require.True(t, hostMatches("gw.lan", "gw.lan:8080"))
	require.True(t, hostMatches("gw.lan", "gw.lan"))
	require.False(t, hostMatches("evil.example:8080", "gw.lan"))
}

func TestMaintenanceIntervalTracksTightestTimeout(t *testing.T) {
	// 80ms FCC request timeout must be polled at a fraction of itself.
	got := maintenanceInterval(150*time.Millisecond, 80*time.Millisecond, 2*time.Second)
	require.Equal(t, 40*time.Millisecond, got)

	// No sub-second timeouts: settle on the flat default.
	require.Equal(t, 500*time.Millisecond, maintenanceInterval(2*time.Second))

	// Degenerate tiny timeouts clamp to the floor instead of busy-ticking.
	require.Equal(t, 10*time.Millisecond, maintenanceInterval(time.Millisecond))

	// Zero durations (unset config) are ignored.
	require.Equal(t, 500*time.Millisecond, maintenanceInterval(0, 0))
}

func TestIsFCCControlFrame(t *testing.T) {
	require.True(t, isFCCControlFrame([]byte{0x82, 205, 0x00, 0x05}))
	require.False(t, isFCCControlFrame([]byte{0x80, 33, 0x00, 0x05}), "RTP media is not a control frame")
	require.False(t, isFCCControlFrame([]byte{0x82}), "too short")
}

func TestStbIDFromRemoteIsDeterministic(t *testing.T) {
	a := stbIDFromRemote("192.168.1.50:43210")
	b := stbIDFromRemote("192.168.1.50:43210")
	c := stbIDFromRemote("192.168.1.51:43210")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestHeaderGetSet(t *testing.T) {
	h := Header{}
	require.Equal(t, "", h.Get("User-Agent"))
	h.Set("User-Agent", "Player/1.0")
	require.Equal(t, "Player/1.0", h.Get("User-Agent"))
}

func TestBuildDescribeURLTranslatesSeekRange(t *testing.T) {
	svc := service.Service{
		Kind:      service.KindRTSP,
		URL:       "rtsp://host:554/path",
		Seek:      "20240101120000-20240101130000",
		SeekParam: "playseek",
	}
	out, err := buildDescribeURL(svc, "Player/1.0 TZ/UTC+8")
	require.NoError(t, err)
	require.Contains(t, out, "playseek=20240101040000-20240101050000")
}

func TestBuildDescribeURLPreservesNameAndOffset(t *testing.T) {
	svc := service.Service{
		Kind:          service.KindRTSP,
		URL:           "rtsp://host:554/path",
		Seek:          "20240101120000GMT-",
		SeekParam:     "tvdr",
		SeekOffsetSec: 3600,
	}
	out, err := buildDescribeURL(svc, "")
	require.NoError(t, err)
	require.Contains(t, out, "tvdr=20240101130000GMT-")
}

func TestBuildDescribeURLNoSeekLeavesURLUntouched(t *testing.T) {
	svc := service.Service{Kind: service.KindRTSP, URL: "rtsp://host:554/path?x=1"}
	out, err := buildDescribeURL(svc, "")
	require.NoError(t, err)
	require.Equal(t, "rtsp://host:554/path?x=1", out)
}

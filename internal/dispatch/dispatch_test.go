package dispatch

import (
	"net/url"
	"testing"

	"github.com/stackia/rtp2httpd-relay/internal/service"
	"github.com/stretchr/testify/require"
)

func TestExactTableMatchTakesPriorityOverTemplate(t *testing.T) {
	d := New([]Entry{
		{Path: "/news", Kind: service.KindMulticastRTP, Group: "239.1.1.1", Port: 5000},
	}, true, Config{})

	svc, err := d.Resolve("/news", url.Values{}, "", "")
	require.NoError(t, err)
	require.Equal(t, "239.1.1.1", svc.Group)
	require.Equal(t, 5000, svc.Port)
}

func TestUDPxyTemplateRTP(t *testing.T) {
	d := New(nil, true, Config{})
	svc, err := d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "", "")
	require.NoError(t, err)
	require.Equal(t, service.KindMulticastRTP, svc.Kind)
	require.Equal(t, "239.1.1.1", svc.Group)
	require.Equal(t, 5000, svc.Port)
}

func TestUDPxyTemplateDisabledFallsThroughTo404(t *testing.T) {
	d := New(nil, false, Config{})
	_, err := d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "", "")
	require.ErrorIs(t, err, service.ErrUnknownService)
}

func TestUDPxyTemplateRTSP(t *testing.T) {
	d := New(nil, true, Config{})
	svc, err := d.Resolve("/rtsp/cam.example:554/live/stream1", url.Values{}, "", "")
	require.NoError(t, err)
	require.Equal(t, service.KindRTSP, svc.Kind)
	require.Equal(t, "rtsp://cam.example:554/live/stream1", svc.URL)
}

func TestUDPxyTemplateHTTPDefaultsPort80(t *testing.T) {
	d := New(nil, true, Config{})
	svc, err := d.Resolve("/http/upstream.example/playlist.m3u", url.Values{}, "", "")
	require.NoError(t, err)
	require.Equal(t, service.KindHTTPProxy, svc.Kind)
	require.Equal(t, "http://upstream.example:80/playlist.m3u", svc.URL)
}

func TestUnknownPathReturns404(t *testing.T) {
	d := New(nil, true, Config{})
	_, err := d.Resolve("/nope", url.Values{}, "", "")
	require.ErrorIs(t, err, service.ErrUnknownService)
}

func TestFCCAndFECQueryDescriptorsAttached(t *testing.T) {
	d := New(nil, true, Config{})
	q := url.Values{"fcc": {"10.0.0.1:6000"}, "fcc-type": {"huawei"}, "fec": {"7000"}}
	svc, err := d.Resolve("/rtp/239.1.1.1:5000", q, "", "")
	require.NoError(t, err)
	require.NotNil(t, svc.FCC)
	require.Equal(t, "10.0.0.1", svc.FCC.ServerIP)
	require.Equal(t, 6000, svc.FCC.ServerPort)
	require.Equal(t, service.FCCHuawei, svc.FCC.Protocol)
	require.NotNil(t, svc.FEC)
	require.Equal(t, 7000, svc.FEC.Port)
}

func TestTokenAuthAcceptsAnySource(t *testing.T) {
	d := New(nil, true, Config{Token: "secret"})

	_, err := d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "", "")
	require.ErrorIs(t, err, service.ErrTokenMismatch)

	_, err = d.Resolve("/rtp/239.1.1.1:5000", url.Values{"r2h-token": {"secret"}}, "", "")
	require.NoError(t, err)

	_, err = d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "Player/1.0 token=secret", "")
	require.NoError(t, err)

	_, err = d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "", "session=xyz; token=secret")
	require.NoError(t, err)

	_, err = d.Resolve("/rtp/239.1.1.1:5000", url.Values{}, "", "token=wrong")
	require.ErrorIs(t, err, service.ErrTokenMismatch)
}

func TestTimeshiftParamPriority(t *testing.T) {
	d := New(nil, true, Config{})

	svc, err := d.Resolve("/rtsp/host:554/live", url.Values{
		"playseek": {"20240101120000"},
		"tvdr":     {"20240101000000"},
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, "20240101120000", svc.Seek, "playseek wins over tvdr")
	require.Equal(t, "playseek", svc.SeekParam)

	svc, err = d.Resolve("/rtsp/host:554/live", url.Values{"tvdr": {"1700000000"}}, "", "")
	require.NoError(t, err)
	require.Equal(t, "1700000000", svc.Seek)
	require.Equal(t, "tvdr", svc.SeekParam)
}

func TestTimeshiftCustomSeekName(t *testing.T) {
	d := New(nil, true, Config{})
	svc, err := d.Resolve("/rtsp/host:554/live", url.Values{
		"r2h-seek-name": {"myseek"},
		"myseek":        {"20240101120000-20240101130000"},
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, "20240101120000-20240101130000", svc.Seek)
	require.Equal(t, "myseek", svc.SeekParam)
}

func TestTimeshiftOffsetAndNPTStart(t *testing.T) {
	d := New(nil, true, Config{})
	svc, err := d.Resolve("/rtsp/host:554/live", url.Values{
		"playseek":        {"20240101120000"},
		"r2h-seek-offset": {"-300"},
		"r2h-start":       {"12.5"},
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, -300, svc.SeekOffsetSec)
	require.Equal(t, "12.5", svc.StartNPT)
}

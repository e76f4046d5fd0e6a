package rtsp

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTranslateCompactFormatOpenEnded(t *testing.T) {
	out := Translate("20240101120000", "", 0)
	require.Equal(t, "20240101120000-", out)
}

func TestTranslateCompactGMTRangePassesThroughWithOffset(t *testing.T) {
	out := Translate("20240101120000GMT-20240101130000GMT", "", time.Hour)
	require.Equal(t, "20240101130000GMT-20240101140000GMT", out)
}

func TestTranslateUnixTimestamp(t *testing.T) {
	out := Translate("1700000000", "", 0)
	require.Equal(t, "1700000000-", out)
}

func TestTranslateAppliesUserAgentTimezone(t *testing.T) {
	// A naive (no explicit tz) compact timestamp is interpreted in the
	// client's declared timezone, then re-emitted in UTC form (the
	// endpoint's internal time.Time is always UTC-normalized for
	// re-formatting since FormatCompact always prints .UTC()).
	out := Translate("20240101000000", "SomePlayer/1.0 TZ/UTC+8", 0)
	require.Equal(t, "20231231160000-", out)
}

func TestTranslateUnrecognizedFormatPassesThrough(t *testing.T) {
	out := Translate("not-a-timestamp-at-all", "", 0)
	require.Equal(t, "not-a-timestamp-at-all", out)
}

func TestBuildNPTRange(t *testing.T) {
	require.Equal(t, "npt=90-", BuildNPTRange(90))
	require.Equal(t, "npt=12.5-", BuildNPTRange(12.5))
}

func TestClientTimezoneDefaultsToUTC(t *testing.T) {
	loc := ClientTimezone("GenericPlayer/2.0")
	require.Equal(t, time.UTC, loc)
}

func TestInterleavedFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('$')
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(4)
	buf.WriteString("data")

	r := bufio.NewReader(&buf)
	isFrame, err := PeekIsFrame(r)
	require.NoError(t, err)
	require.True(t, isFrame)

	frame, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint8(0), frame.Channel)
	require.Equal(t, []byte("data"), frame.Payload)
}

func TestPeekIsFrameFalseForTextResponse(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("RTSP/1.0 200 OK\r\n\r\n"))
	isFrame, err := PeekIsFrame(r)
	require.NoError(t, err)
	require.False(t, isFrame)
}

func TestSessionDescribeSetupPlayTeardown(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakeRTSPServer(t, serverConn)

	s := New(clientConn, Config{URL: "rtsp://example.invalid/stream", ReadTimeout: 2 * time.Second})

	resp, err := s.Describe()
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, StateDescribe, s.State())

	resp, err = s.Setup("RTP/AVP;unicast;client_port=5000-5001")
	require.NoError(t, err)
	require.Equal(t, StateSetup, s.State())
	require.Equal(t, 5000, s.Transport().ServerPortLo)

	_, err = s.Play("")
	require.NoError(t, err)
	require.Equal(t, StatePlaying, s.State())

	ok, err := s.Teardown()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Teardown()
	require.NoError(t, err)
	require.False(t, ok, "second teardown must be a no-op")
}

// fakeRTSPServer speaks just enough RTSP to exercise Session's state
// machine over a net.Pipe, echoing CSeq and assigning a Session ID after
// SETUP.
func fakeRTSPServer(t *testing.T, conn net.Conn) {
	t.Helper()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		method := line[:bytes.IndexByte([]byte(line), ' ')]

		var cseq string
		for {
			h, err := br.ReadString('\n')
			if err != nil || h == "\r\n" {
				break
			}
			if bytes.HasPrefix([]byte(h), []byte("CSeq:")) {
				cseq = h[len("CSeq: ") : len(h)-2]
			}
		}

		switch method {
		case "DESCRIBE":
			conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\n\r\n"))
		case "SETUP":
			conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nSession: ABC123\r\nTransport: RTP/AVP;unicast;client_port=5000-5001;server_port=5000-5001\r\n\r\n"))
		case "PLAY":
			conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\nSession: ABC123\r\n\r\n"))
		case "TEARDOWN":
			conn.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: " + cseq + "\r\n\r\n"))
			return
		default:
			return
		}
	}
}

package worker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/httpproxy"
	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/rtsp"
	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// This file bridges the two upstream kinds whose wire protocols require
// blocking I/O (RTSP's control handshake, the HTTP proxy's upstream
// request/response) into the loop goroutine: each spawns a plain goroutine
// that performs the blocking work and reports back over Engine.bridgeCh,
// waking the loop so drainPending picks the chunk up on its next cycle. The
// pool, send queues, and every Client field stay untouched outside the loop
// goroutine — the bridging goroutines only ever carry copied []byte slices.

const streamChunkBufSize = 32 * 1024

// startRTSP launches the RTSP control handshake and media relay for c in a
// helper goroutine. c.done is handed along so the helper can unwind its
// media socket when the loop goroutine tears the client down.
func (e *Engine) startRTSP(c *Client) {
	c.state = service.StateStreamingRtsp
	go e.runRTSP(c.ID, c.svc, c.userAgent, c.done)
}

// buildDescribeURL re-emits the client's time-shift range onto the
// outbound DESCRIBE URL under the same parameter name it arrived with,
// translated per the User-Agent timezone marker and shifted by the
// operator seek offset.
func buildDescribeURL(svc service.Service, userAgent string) (string, error) {
	u, err := url.Parse(svc.URL)
	if err != nil {
		return "", fmt.Errorf("worker: bad rtsp url: %w", err)
	}
	if svc.Seek != "" {
		translated := rtsp.Translate(svc.Seek, userAgent, time.Duration(svc.SeekOffsetSec)*time.Second)
		q := u.Query()
		name := svc.SeekParam
		if name == "" {
			name = "playseek"
		}
		q.Set(name, translated)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (e *Engine) runRTSP(clientID string, svc service.Service, userAgent string, done <-chan struct{}) {
	describeURL, err := buildDescribeURL(svc, userAgent)
	if err != nil {
		e.reportBridgeErr(clientID, err)
		return
	}
	u, err := url.Parse(describeURL)
	if err != nil {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: bad rtsp url: %w", err))
		return
	}

	readTimeout, _ := time.ParseDuration(e.cfg.RTSP.ReadTimeout)
	if readTimeout <= 0 {
		readTimeout = rtsp.DefaultReadTimeout
	}

	conn, err := net.DialTimeout("tcp", u.Host, readTimeout)
	if err != nil {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp dial: %w", err))
		return
	}
	defer conn.Close()

	sess := rtsp.New(conn, rtsp.Config{URL: describeURL, ReadTimeout: readTimeout})
	if _, err := sess.Describe(); err != nil {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp describe: %w", err))
		return
	}

	// Prefer UDP transport: bind a media socket, discover its public
	// mapping over STUN when configured (best effort, never fatal), and
	// propose the port pair. Servers that refuse fall back to interleaved
	// TCP on the control connection.
	rtpConn, advertPort := e.openRTSPMediaSocket()
	useTCP := rtpConn == nil
	if !useTCP {
		transportHdr := fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", advertPort, advertPort+1)
		resp, serr := sess.Setup(transportHdr)
		if serr != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 || sess.Transport().TCP {
			_ = rtpConn.Close()
			rtpConn = nil
			useTCP = true
		}
	}
	if useTCP {
		resp, serr := sess.Setup("RTP/AVP/TCP;interleaved=0-1")
		if serr != nil {
			e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp setup: %w", serr))
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp setup returned status %d", resp.StatusCode))
			return
		}
	}

	rangeHeader := ""
	if svc.StartNPT != "" {
		if secs, perr := strconv.ParseFloat(svc.StartNPT, 64); perr == nil {
			rangeHeader = rtsp.BuildNPTRange(secs)
		}
	}
	resp, err := sess.Play(rangeHeader)
	if err != nil {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp play: %w", err))
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: rtsp play returned status %d", resp.StatusCode))
		return
	}

	e.attachRTSPSession(clientID, sess)

	if rtpConn != nil {
		// Closing the media socket is how the loop goroutine's teardown
		// reaches this helper.
		go func() {
			<-done
			_ = rtpConn.Close()
		}()
		e.relayRTSPOverUDP(clientID, rtpConn)
		return
	}
	e.relayRTSPInterleaved(clientID, sess)
}

// openRTSPMediaSocket binds the UDP socket PLAY media will arrive on and
// resolves the port to advertise in the SETUP transport header: the
// STUN-discovered public port when a STUN server is configured and answers
// in time, the locally bound port otherwise.
func (e *Engine) openRTSPMediaSocket() (*net.UDPConn, int) {
	rtpConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, 0
	}
	advertPort := rtpConn.LocalAddr().(*net.UDPAddr).Port

	if stunServer := e.cfg.RTSP.STUNServer; stunServer != "" {
		stunTimeout, _ := time.ParseDuration(e.cfg.RTSP.STUNTimeout)
		if stunTimeout <= 0 {
			stunTimeout = time.Second
		}
		if srv, rerr := net.ResolveUDPAddr("udp4", stunServer); rerr == nil {
			if _, port, serr := rtsp.DiscoverPublicAddrOn(rtpConn, srv, stunTimeout); serr == nil {
				advertPort = port
			} else {
				e.log.Debug("stun discovery failed, advertising local port", "err", serr)
			}
		}
	}
	return rtpConn, advertPort
}

// relayRTSPOverUDP reads RTP datagrams off the negotiated UDP media socket
// until it is closed, stripping each to its MPEG-TS payload and bridging
// it to the loop goroutine.
func (e *Engine) relayRTSPOverUDP(clientID string, pc *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, _, err := pc.ReadFromUDP(buf)
		if err != nil {
			e.reportBridgeEOF(clientID, io.EOF)
			return
		}
		pkt, perr := rtp.Parse(buf[:n], -1)
		if perr != nil {
			continue
		}
		payload := append([]byte(nil), pkt.Payload...)
		e.bridgeCh <- streamChunk{clientID: clientID, data: payload}
		e.loop.Wake()
	}
}

// relayRTSPInterleaved demuxes `$<channel><len>` binary frames off the
// control TCP stream, stripping each RTP frame to its payload.
func (e *Engine) relayRTSPInterleaved(clientID string, sess *rtsp.Session) {
	br := sess.Reader()
	for {
		frame, err := rtsp.ReadFrame(br)
		if err != nil {
			e.reportBridgeEOF(clientID, err)
			return
		}
		pkt, err := rtp.Parse(frame.Payload, -1)
		if err != nil {
			continue
		}
		payload := append([]byte(nil), pkt.Payload...)
		e.bridgeCh <- streamChunk{clientID: clientID, data: payload}
		e.loop.Wake()
	}
}

// attachRTSPSession hands the live session back to the loop goroutine
// (over bridgeCh, the same channel stream data uses) so Teardown can be issued
// from there on close/drain, preserving the single-writer rule. A tiny
// pendingAccept-shaped message would be overkill here since the client
// already exists; instead this is delivered as a zero-data streamChunk
// the loop goroutine special-cases.
func (e *Engine) attachRTSPSession(clientID string, sess *rtsp.Session) {
	e.bridgeCh <- streamChunk{clientID: clientID, data: nil, rtspSession: sess}
	e.loop.Wake()
}

func (e *Engine) reportBridgeErr(clientID string, err error) {
	e.bridgeCh <- streamChunk{clientID: clientID, err: err}
	e.loop.Wake()
}

func (e *Engine) reportBridgeEOF(clientID string, err error) {
	if err == io.EOF {
		e.bridgeCh <- streamChunk{clientID: clientID, eof: true}
	} else {
		e.bridgeCh <- streamChunk{clientID: clientID, err: err}
	}
	e.loop.Wake()
}

// startHTTPProxy launches the upstream HTTP fetch for c in a helper
// goroutine.
func (e *Engine) startHTTPProxy(c *Client) {
	c.state = service.StateStreamingHttpProxy
	go e.runHTTPProxy(c.ID, c.svc)
}

func (e *Engine) runHTTPProxy(clientID string, svc service.Service) {
	status, _, body, err := e.proxy.Do(httpproxy.Request{
		Method:          "GET",
		UpstreamURL:     svc.URL,
		Header:          http.Header{},
		ProxyPathPrefix: svc.Path,
	})
	if err != nil {
		e.reportBridgeErr(clientID, err)
		return
	}
	defer body.Close()
	if status >= 400 {
		e.reportBridgeErr(clientID, fmt.Errorf("worker: upstream returned status %d", status))
		return
	}

	buf := make([]byte, streamChunkBufSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			e.bridgeCh <- streamChunk{clientID: clientID, data: chunk}
			e.loop.Wake()
		}
		if err != nil {
			e.reportBridgeEOF(clientID, err)
			return
		}
	}
}

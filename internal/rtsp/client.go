// Package rtsp implements the RTSP unicast client state machine:
// DESCRIBE → SETUP → PLAY, interleaved-binary fallback when the server
// won't offer UDP transport, time-shift range translation, and optional
// STUN-assisted NAT traversal before SETUP.
//
// Request/response framing is line-oriented text (CRLF-terminated, a
// Content-Length-delimited body). The operational posture — explicit
// state machine, bounded read timeouts, idempotent teardown — matches the
// rest of this codebase's network clients.
package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// State is the RTSP session's position in the DESCRIBE/SETUP/PLAY
// lifecycle.
type State int

const (
	StateInit State = iota
	StateConnected
	StateDescribe
	StateSetup
	StatePlay
	StatePlaying
	StateTeardown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateDescribe:
		return "describe"
	case StateSetup:
		return "setup"
	case StatePlay:
		return "play"
	case StatePlaying:
		return "playing"
	case StateTeardown:
		return "teardown"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected  = errors.New("rtsp: not connected")
	ErrWrongState    = errors.New("rtsp: request not valid in current state")
	ErrBadStatusLine = errors.New("rtsp: malformed status line")
)

// Response is a parsed RTSP response.
type Response struct {
	StatusCode int
	Reason     string
	Headers    map[string]string
	Body       []byte
}

// Transport describes the negotiated media transport.
type Transport struct {
	TCP              bool
	ClientPortLo     int
	ClientPortHi     int
	ServerPortLo     int
	ServerPortHi     int
	InterleavedLo    int
	InterleavedHi    int
}

// Session drives one RTSP control connection. Not safe for concurrent
// use; owned by the client's event-loop goroutine.
type Session struct {
	conn net.Conn
	br   *bufio.Reader

	url       string
	cseq      int
	sessionID string
	state     State
	transport Transport

	readTimeout time.Duration
}

// Config controls Session construction.
type Config struct {
	URL         string
	ReadTimeout time.Duration
}

const DefaultReadTimeout = 5 * time.Second

// New wires a Session around an already-dialed TCP connection.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Session{
		conn:        conn,
		br:          bufio.NewReader(conn),
		url:         cfg.URL,
		state:       StateConnected,
		readTimeout: cfg.ReadTimeout,
	}
}

func (s *Session) nextCSeq() int {
	s.cseq++
	return s.cseq
}

// do sends a request line block and blocks for its response. CSeq is
// strictly monotonic; Session is echoed on every request once SETUP has
// assigned one.
func (s *Session) do(method string, extraHeaders map[string]string) (Response, error) {
	if s.conn == nil {
		return Response{}, ErrNotConnected
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", method, s.url)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", s.nextCSeq())
	if s.sessionID != "" {
		fmt.Fprintf(&buf, "Session: %s\r\n", s.sessionID)
	}
	for k, v := range extraHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.readTimeout))
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		return Response{}, fmt.Errorf("rtsp: write %s: %w", method, err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	resp, err := parseResponse(s.br)
	if err != nil {
		return Response{}, fmt.Errorf("rtsp: read %s response: %w", method, err)
	}
	if sid, ok := resp.Headers["session"]; ok && sid != "" {
		s.sessionID = strings.SplitN(sid, ";", 2)[0]
	}
	return resp, nil
}

// Describe sends DESCRIBE and returns the parsed response (callers extract
// the SDP body to learn available media and server transport options).
func (s *Session) Describe() (Response, error) {
	if s.state != StateConnected {
		return Response{}, ErrWrongState
	}
	s.state = StateDescribe
	resp, err := s.do("DESCRIBE", map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// Setup sends SETUP with the given proposed transport header value and
// records what the server actually negotiated from the response's
// Transport header. A non-2xx response (e.g. 461 Unsupported Transport
// for a UDP proposal) leaves the session state unchanged so the caller
// can retry SETUP with a different transport.
func (s *Session) Setup(transportHeader string) (Response, error) {
	if s.state != StateDescribe && s.state != StateConnected && s.state != StateSetup {
		return Response{}, ErrWrongState
	}
	resp, err := s.do("SETUP", map[string]string{"Transport": transportHeader})
	if err != nil {
		return resp, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.transport = parseTransport(resp.Headers["transport"])
		s.state = StateSetup
	}
	return resp, nil
}

// Play sends PLAY with an optional Range header (either a translated
// time-shift range or an npt range from BuildNPTRange).
func (s *Session) Play(rangeHeader string) (Response, error) {
	if s.state != StateSetup {
		return Response{}, ErrWrongState
	}
	headers := map[string]string{}
	if rangeHeader != "" {
		headers["Range"] = rangeHeader
	}
	resp, err := s.do("PLAY", headers)
	if err != nil {
		return resp, err
	}
	s.state = StatePlaying
	return resp, nil
}

// Teardown sends TEARDOWN if and only if the session has progressed past
// SETUP; cleanup is idempotent, so repeated calls are no-ops. Returns
// ok=false without sending anything otherwise.
func (s *Session) Teardown() (ok bool, err error) {
	switch s.state {
	case StateSetup, StatePlay, StatePlaying:
	default:
		return false, nil
	}
	_, err = s.do("TEARDOWN", nil)
	s.state = StateTeardown
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return true, err
}

// State reports the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Transport reports the negotiated transport from the last SETUP.
func (s *Session) Transport() Transport { return s.transport }

// Reader exposes the buffered connection reader so the caller can demux
// interleaved binary frames from further textual responses.
func (s *Session) Reader() *bufio.Reader { return s.br }

// parseResponse reads one RTSP response: status line, headers until a
// blank line, then a Content-Length-delimited body if present.
func parseResponse(br *bufio.Reader) (Response, error) {
	statusLine, err := readLine(br)
	if err != nil {
		return Response{}, err
	}
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 3 {
		return Response{}, ErrBadStatusLine
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Response{}, ErrBadStatusLine
	}

	headers := make(map[string]string)
	for {
		line, err := readLine(br)
		if err != nil {
			return Response{}, err
		}
		if line == "" {
			break
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}

	var body []byte
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err == nil && n > 0 {
			body = make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				return Response{}, err
			}
		}
	}

	return Response{StatusCode: code, Reason: fields[2], Headers: headers, Body: body}, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseTransport extracts the fields Setup needs from a Transport response
// header such as "RTP/AVP;unicast;client_port=5000-5001;server_port=6000-6001"
// or "RTP/AVP/TCP;interleaved=0-1".
func parseTransport(header string) Transport {
	var t Transport
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		switch {
		case strings.Contains(part, "TCP"):
			t.TCP = true
		case strings.HasPrefix(part, "client_port="):
			t.ClientPortLo, t.ClientPortHi = parsePortPair(strings.TrimPrefix(part, "client_port="))
		case strings.HasPrefix(part, "server_port="):
			t.ServerPortLo, t.ServerPortHi = parsePortPair(strings.TrimPrefix(part, "server_port="))
		case strings.HasPrefix(part, "interleaved="):
			t.InterleavedLo, t.InterleavedHi = parsePortPair(strings.TrimPrefix(part, "interleaved="))
		}
	}
	return t
}

func parsePortPair(s string) (lo, hi int) {
	parts := strings.SplitN(s, "-", 2)
	lo, _ = strconv.Atoi(parts[0])
	if len(parts) == 2 {
		hi, _ = strconv.Atoi(parts[1])
	}
	return lo, hi
}

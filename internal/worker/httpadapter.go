package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"golang.org/x/sys/unix"
)

// httpResponseSink adapts a net/http ResponseWriter/Request pair to the
// ResponseSink interface (types.go), so an Engine can be fronted by a
// stock net/http server without depending on net/http for its own public
// types. A plain hijack-free request/response model doesn't fit here: an
// MPEG-TS stream's lifetime vastly outlives a single Handler call, so the
// connection must be detached from net/http's request goroutine and
// handed to the event loop directly.
//
// The preamble is held back rather than pushed through the ResponseWriter:
// letting net/http emit the 200 would commit the response to its own body
// framing (chunked, absent a Content-Length), which the raw MPEG-TS bytes
// written after hijack would violate. Instead the status line and headers
// are written to the hijacked connection verbatim, close-delimited.
type httpResponseSink struct {
	w http.ResponseWriter

	status   int
	header   Header
	wrote    bool
	hijacked bool
}

func (s *httpResponseSink) WriteHeader(status int, header Header) error {
	s.status = status
	s.header = header
	s.wrote = true
	return nil
}

func (s *httpResponseSink) Hijack() (net.Conn, int, error) {
	hj, ok := s.w.(http.Hijacker)
	if !ok {
		return nil, 0, errors.New("worker: response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, 0, fmt.Errorf("worker: hijack: %w", err)
	}
	s.hijacked = true

	var preamble bytes.Buffer
	fmt.Fprintf(&preamble, "HTTP/1.1 %d %s\r\n", s.status, http.StatusText(s.status))
	for k, vs := range s.header {
		for _, v := range vs {
			fmt.Fprintf(&preamble, "%s: %s\r\n", k, v)
		}
	}
	preamble.WriteString("Connection: close\r\n\r\n")
	if _, err := conn.Write(preamble.Bytes()); err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("worker: write response preamble: %w", err)
	}

	fd, err := connFD(conn)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	return conn, fd, nil
}

// finish flushes a non-hijacked response (dispatch errors, HEAD) through
// the original ResponseWriter once ServeStream has returned.
func (s *httpResponseSink) finish() {
	if s.hijacked || !s.wrote {
		return
	}
	h := s.w.Header()
	for k, vs := range s.header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	s.w.WriteHeader(s.status)
}

// connFD extracts the raw file descriptor from a hijacked net.Conn so the
// event loop can register it with epoll directly: the loop needs raw
// readiness-fd multiplexing, not net.Conn's blocking Read/Write.
func connFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errors.New("worker: hijacked connection has no raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return 0, err
	}
	return fd, nil
}

// HTTPHandler implements http.Handler by parsing the minimal request
// metadata the core needs and delegating to an Engine's ServeStream. It
// is deliberately thin: M3U/service-table parsing, routing by path
// pattern, and snapshot dispatch are external-collaborator concerns left
// to whatever wraps this handler (e.g. a reverse proxy or a thicker mux);
// this adapter's only job is the Handler-boundary translation so the
// engine is runnable end to end over real TCP.
type HTTPHandler struct {
	Engine Handler
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Host:       r.Host,
		Header:     Header(r.Header),
		RemoteAddr: r.RemoteAddr,
	}
	sink := &httpResponseSink{w: w}
	// Failures after streaming starts close the socket and never surface
	// in-band, so the returned error is not reportable to the client; all
	// that remains is flushing a non-hijacked (error or HEAD) response.
	_ = h.Engine.ServeStream(r.Context(), sink, req)
	sink.finish()
}

// ListenReusePort opens a TCP listener with SO_REUSEPORT set before bind,
// so N worker processes can share one listen address without an extra
// coordination layer, extending the familiar SO_REUSEPORT pattern from
// UDP packet-conns to a stream listener.
func ListenReusePort(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

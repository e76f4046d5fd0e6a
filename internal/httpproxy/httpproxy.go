// Package httpproxy implements the plain-HTTP upstream reverse proxy:
// connect to an upstream HTTP source, forward the client's method/path/
// headers with Host rewritten, and relay the response body unmodified —
// except for M3U playlists, whose URLs are rewritten so subsequent segment
// fetches traverse the same proxy path.
//
// The outbound-interface pinning (golang.org/x/sys/unix.SetsockoptString
// with SO_BINDTODEVICE) follows the same raw-socket-option idiom as the
// SO_REUSEPORT listener elsewhere in this repo; the net/http.Transport
// wiring itself follows ordinary net/http idiom.
package httpproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Config controls one proxy's upstream dial behavior.
type Config struct {
	// OutboundInterface pins the connect socket to this device (e.g.
	// "eth0"); empty falls back to the routing table.
	OutboundInterface string
	DialTimeout       time.Duration
}

const DefaultDialTimeout = 5 * time.Second

// Proxy relays one client request to one upstream HTTP URL.
type Proxy struct {
	cfg    Config
	client *http.Client
}

// New builds a Proxy. Each Proxy instance owns its own http.Transport so
// outbound-interface pinning can be configured via DialContext.
func New(cfg Config) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{
		Timeout: cfg.DialTimeout,
		Control: bindControl(cfg.OutboundInterface),
	}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: false,
		Proxy:             nil,
	}
	return &Proxy{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

func bindControl(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// Request is the upstream-bound request built from the client's original
// method/path/headers, with Host pointed at upstreamURL.
type Request struct {
	Method         string
	UpstreamURL    string
	Header         http.Header
	ProxyPathPrefix string // used to rewrite M3U entries back through this proxy
}

// Do issues the upstream request and returns its status, headers, and a
// body reader. The caller is responsible for closing the returned
// io.ReadCloser; for M3U content-types the body is fully buffered and
// rewritten before being returned, for everything else it streams
// unmodified.
func (p *Proxy) Do(req Request) (status int, header http.Header, body io.ReadCloser, err error) {
	u, err := url.Parse(req.UpstreamURL)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("httpproxy: bad upstream url: %w", err)
	}

	httpReq, err := http.NewRequest(req.Method, u.String(), nil)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range req.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Host = u.Host

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("httpproxy: upstream request: %w", err)
	}

	if isM3U(resp.Header.Get("Content-Type"), u.Path) {
		defer resp.Body.Close()
		rewritten, rerr := rewritePlaylist(resp.Body, u, req.ProxyPathPrefix)
		if rerr != nil {
			return 0, nil, nil, rerr
		}
		return resp.StatusCode, resp.Header, rewritten, nil
	}

	return resp.StatusCode, resp.Header, resp.Body, nil
}

func isM3U(contentType, path string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "x-mpegurl") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(path), ".m3u") || strings.HasSuffix(strings.ToLower(path), ".m3u8")
}

// rewritePlaylist rewrites every non-comment, non-blank line of an M3U
// playlist (i.e. every URL line) into a same-proxy path via rewriteURLLine,
// preserving query strings, including any auth tokens carried in them.
// Relative paths are re-homed as written; they are not resolved against
// base.
func rewritePlaylist(r io.Reader, base *url.URL, proxyPathPrefix string) (io.ReadCloser, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		rewritten, err := rewriteURLLine(trimmed, base, proxyPathPrefix)
		if err != nil {
			out.WriteString(line) // leave malformed entries untouched
		} else {
			out.WriteString(rewritten)
		}
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(out.String())), nil
}

// rewriteURLLine extracts line's path and query (whether line was absolute
// or relative to base) and re-homes it under proxyPathPrefix, so both
// "segment.ts?tok=x" and "http://other-host/segment.ts?tok=x" entries
// become fetches of this same proxy path.
func rewriteURLLine(line string, base *url.URL, proxyPathPrefix string) (string, error) {
	target, err := url.Parse(line)
	if err != nil {
		return "", err
	}
	proxied := url.URL{
		Path:     strings.TrimSuffix(proxyPathPrefix, "/") + "/" + strings.TrimPrefix(target.Path, "/"),
		RawQuery: target.RawQuery,
	}
	return proxied.String(), nil
}

// Package dispatch maps an HTTP request (path + query) to a resolved
// service.Service: first an exact match against the
// configured service table, then udpxy-compatible URL templates, then
// 404. Query-parameter descriptors (fcc=, fcc-type=, fec=) and token
// auth are attached/checked after the base match.
//
// Modeled as a small ordered chain of Resolver implementations: the first
// to return a non-nil Service wins. Unlike a naive chain that treats any
// error as "try the next resolver", dispatch needs the first matching
// stage's error to be authoritative — an exact service-table path match
// that fails auth must not silently fall through to the URL-template
// matcher — so Dispatcher.Resolve distinguishes "no match" (errNoMatch,
// keep going) from any other error (stop, return it).
package dispatch

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// errNoMatch signals "this resolver doesn't recognize the request", as
// opposed to a recognized-but-rejected request (auth/hostname failure).
var errNoMatch = errors.New("dispatch: no match")

// Entry is one configured service-table row: handed in by the
// configuration collaborator, never parsed from a file here.
type Entry struct {
	Path          string
	Kind          service.Kind
	Group         string
	Port          int
	URL           string
	FCC           *service.FCCDescriptor
	FEC           *service.FECDescriptor
	RequireToken  bool
}

// Resolver is one stage of the dispatch pipeline.
type Resolver interface {
	Resolve(path string, q url.Values) (service.Service, error)
}

// Dispatcher runs the ordered resolver chain and applies the shared
// descriptor-attachment and token-auth checks regardless of which stage
// matched.
type Dispatcher struct {
	resolvers []Resolver
	authToken string // empty disables token auth entirely
}

// Config controls token auth. Token is the configured shared secret; an
// empty Token disables the check.
type Config struct {
	Token string
}

// New builds a Dispatcher from a service table (exact-match stage) with
// the udpxy-compatible template stage enabled when templatesEnabled is
// true; the exact-match stage always runs first.
func New(table []Entry, templatesEnabled bool, cfg Config) *Dispatcher {
	d := &Dispatcher{authToken: cfg.Token}
	d.resolvers = append(d.resolvers, &tableResolver{entries: table})
	if templatesEnabled {
		d.resolvers = append(d.resolvers, &templateResolver{})
	}
	return d
}

// Resolve maps rawPath+query to a Service, attaching fcc/fec descriptors
// from the query string and checking the auth token. userAgent and
// cookie are the other two places a token may travel; any one of query
// parameter, cookie, or User-Agent marker is accepted.
func (d *Dispatcher) Resolve(rawPath string, q url.Values, userAgent, cookieHeader string) (service.Service, error) {
	var svc service.Service
	matched := false
	for _, r := range d.resolvers {
		s, err := r.Resolve(rawPath, q)
		if err == nil {
			svc = s
			matched = true
			break
		}
		if !errors.Is(err, errNoMatch) {
			return service.Service{}, err
		}
	}
	if !matched {
		return service.Service{}, service.ErrUnknownService
	}

	attachDescriptors(&svc, q)

	if d.authToken != "" && !tokenPresent(d.authToken, q, userAgent, cookieHeader) {
		return service.Service{}, service.ErrTokenMismatch
	}

	return svc, nil
}

func attachDescriptors(svc *service.Service, q url.Values) {
	if raw := q.Get("fcc"); raw != "" {
		if ip, port, ok := splitHostPort(raw); ok {
			proto := service.FCCNone
			switch strings.ToLower(q.Get("fcc-type")) {
			case "telecom":
				proto = service.FCCTelecom
			case "huawei":
				proto = service.FCCHuawei
			}
			svc.FCC = &service.FCCDescriptor{ServerIP: ip, ServerPort: port, Protocol: proto}
		}
	}
	if raw := q.Get("fec"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			svc.FEC = &service.FECDescriptor{Port: port}
		}
	}
	// Time-shift parameter, by priority: playseek, tvdr, then whatever name
	// the request's r2h-seek-name points at.
	seekNames := []string{"playseek", "tvdr"}
	if custom := q.Get("r2h-seek-name"); custom != "" {
		seekNames = append(seekNames, custom)
	}
	for _, name := range seekNames {
		if raw := q.Get(name); raw != "" && svc.Seek == "" {
			svc.Seek = raw
			svc.SeekParam = name
			break
		}
	}
	if raw := q.Get("r2h-seek-offset"); raw != "" {
		if off, err := strconv.Atoi(raw); err == nil {
			svc.SeekOffsetSec = off
		}
	}
	if raw := q.Get("r2h-start"); raw != "" {
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			svc.StartNPT = raw
		}
	}
}

// tokenTag is the User-Agent marker form a token may appear in, e.g.
// "Player/1.0 token=abc123".
const tokenTag = "token="

func tokenPresent(want string, q url.Values, userAgent, cookieHeader string) bool {
	if q.Get("r2h-token") == want || q.Get("token") == want {
		return true
	}
	if hasCookieToken(cookieHeader, want) {
		return true
	}
	if idx := strings.Index(userAgent, tokenTag); idx >= 0 {
		rest := userAgent[idx+len(tokenTag):]
		if end := strings.IndexByte(rest, ' '); end >= 0 {
			rest = rest[:end]
		}
		if rest == want {
			return true
		}
	}
	return false
}

func hasCookieToken(cookieHeader, want string) bool {
	for _, part := range strings.Split(cookieHeader, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && kv[0] == "token" && kv[1] == want {
			return true
		}
	}
	return false
}

func splitHostPort(s string) (host string, port int, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, false
	}
	p, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:i], p, true
}

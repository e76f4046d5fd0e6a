// Time-shift range translation. A catchup request carries a
// `playseek`/`tvdr`/configured-name parameter whose value names
// one of four timestamp syntaxes, optionally as a `start-end` or
// open-ended `start-` range; Translate re-expresses it with a client
// timezone and an operator seek offset applied, in the same syntactic
// family it arrived in.
package rtsp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format identifies which of the four timestamp syntaxes an endpoint used.
type Format int

const (
	FormatUnknown Format = iota
	FormatCompact        // yyyyMMddHHmmss
	FormatCompactGMT     // yyyyMMddHHmmss + "GMT"
	FormatUnix           // unix timestamp, <=10 digits
	FormatISO8601        // RFC3339-family, with or without tz suffix
)

var compactRe = regexp.MustCompile(`^(\d{14})(GMT)?$`)
var unixRe = regexp.MustCompile(`^\d{1,10}$`)

// endpoint is one parsed side of a (possibly open-ended) range.
type endpoint struct {
	t      time.Time
	format Format
	hasTZ  bool
}

// parseEndpoint tries each of the four supported formats, in order, and
// reports which one matched.
func parseEndpoint(s string) (endpoint, bool) {
	if s == "" {
		return endpoint{}, false
	}

	if m := compactRe.FindStringSubmatch(s); m != nil {
		t, err := time.ParseInLocation("20060102150405", m[1], time.UTC)
		if err != nil {
			return endpoint{}, false
		}
		if m[2] == "GMT" {
			return endpoint{t: t, format: FormatCompactGMT, hasTZ: true}, true
		}
		return endpoint{t: t, format: FormatCompact, hasTZ: false}, true
	}

	if unixRe.MatchString(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return endpoint{}, false
		}
		return endpoint{t: time.Unix(sec, 0).UTC(), format: FormatUnix, hasTZ: true}, true
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			hasTZ := strings.HasSuffix(s, "Z") || hasNumericTZSuffix(s)
			return endpoint{t: t, format: FormatISO8601, hasTZ: hasTZ}, true
		}
	}

	return endpoint{}, false
}

var isoTZSuffixRe = regexp.MustCompile(`[+-]\d{2}:\d{2}$`)

func hasNumericTZSuffix(s string) bool {
	return isoTZSuffixRe.MatchString(s)
}

// formatEndpoint re-emits t in the syntactic family recorded in e.
func formatEndpoint(e endpoint) string {
	switch e.format {
	case FormatCompact:
		return e.t.UTC().Format("20060102150405")
	case FormatCompactGMT:
		return e.t.UTC().Format("20060102150405") + "GMT"
	case FormatUnix:
		return strconv.FormatInt(e.t.Unix(), 10)
	case FormatISO8601:
		if e.hasTZ {
			return e.t.Format(time.RFC3339)
		}
		return e.t.UTC().Format("2006-01-02T15:04:05")
	default:
		return ""
	}
}

// tzMarkerRe matches a `TZ/UTC±H` marker inside a User-Agent header, e.g.
// "SomePlayer/1.0 TZ/UTC+8".
var tzMarkerRe = regexp.MustCompile(`TZ/UTC([+-]\d{1,2})`)

// ClientTimezone derives the client's timezone from a `TZ/UTC±H` marker in
// the User-Agent header, defaulting to UTC if absent.
func ClientTimezone(userAgent string) *time.Location {
	m := tzMarkerRe.FindStringSubmatch(userAgent)
	if m == nil {
		return time.UTC
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
}

// splitRange locates the '-' that separates a range's two endpoints. Since
// ISO-8601 dates themselves contain '-', every candidate split point is
// tried, preferring the first one (scanning left to right) where both
// halves parse as valid endpoints.
func splitRange(s string) (start, end string, isRange bool) {
	if strings.HasSuffix(s, "-") {
		return s[:len(s)-1], "", true
	}
	for i, c := range s {
		if c != '-' || i == 0 {
			continue
		}
		left, right := s[:i], s[i+1:]
		if _, ok := parseEndpoint(left); !ok {
			continue
		}
		if _, ok := parseEndpoint(right); !ok {
			continue
		}
		return left, right, true
	}
	return s, "", false
}

// Translate processes a raw playseek/tvdr value: parse, resolve timezone,
// apply seekOffset uniformly, and re-emit in the same syntactic family.
// Values that don't match any of the four formats are passed through
// verbatim.
func Translate(raw string, userAgent string, seekOffset time.Duration) string {
	startRaw, endRaw, isRange := splitRange(raw)

	start, ok := parseEndpoint(startRaw)
	if !ok {
		return raw
	}

	var end endpoint
	haveEnd := false
	if isRange && endRaw != "" {
		e, ok := parseEndpoint(endRaw)
		if !ok {
			return raw
		}
		end = e
		haveEnd = true
	}

	loc := ClientTimezone(userAgent)
	applyTZAndOffset := func(e endpoint) endpoint {
		if !e.hasTZ {
			// e.t's wall-clock fields were parsed with no timezone
			// context (time.UTC used only as a neutral placeholder);
			// reinterpret those same fields as wall-clock time in the
			// client's declared zone rather than just relabeling the
			// already-fixed instant.
			y, mo, d := e.t.Date()
			h, mi, se := e.t.Clock()
			e.t = time.Date(y, mo, d, h, mi, se, 0, loc)
		}
		e.t = e.t.Add(seekOffset)
		return e
	}
	start = applyTZAndOffset(start)
	var out strings.Builder
	out.WriteString(formatEndpoint(start))
	out.WriteByte('-')
	if haveEnd {
		end = applyTZAndOffset(end)
		out.WriteString(formatEndpoint(end))
	}
	return out.String()
}

// BuildNPTRange translates an `r2h-start` floating-seconds parameter into
// the RTSP PLAY request's `Range: npt=<value>-` header.
func BuildNPTRange(startSeconds float64) string {
	return fmt.Sprintf("npt=%s-", strconv.FormatFloat(startSeconds, 'f', -1, 64))
}

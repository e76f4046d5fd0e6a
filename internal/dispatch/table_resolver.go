package dispatch

import (
	"net/url"

	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// tableResolver is the first-priority stage: an exact match against the
// configured service table.
type tableResolver struct {
	entries []Entry
}

func (r *tableResolver) Resolve(path string, _ url.Values) (service.Service, error) {
	for _, e := range r.entries {
		if e.Path != path {
			continue
		}
		return service.Service{
			Path:  e.Path,
			Kind:  e.Kind,
			Group: e.Group,
			Port:  e.Port,
			URL:   e.URL,
			FCC:   e.FCC,
			FEC:   e.FEC,
		}, nil
	}
	return service.Service{}, errNoMatch
}

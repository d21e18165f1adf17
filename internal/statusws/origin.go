package statusws

import (
	"net/url"
	"strings"
)

// CloseOriginForbidden is the WebSocket close code sent when a subscriber's
// Origin header is not on the allow-list. Distinct from the standard codes
// so the UI can tell a misconfigured origin from a transport failure.
const CloseOriginForbidden = 4403

// OriginPolicy validates the Origin header of status subscribers against a
// configured allow-list.
//
// Each entry is an origin like "https://app.example.com" or
// "https://app.example.com:8443". An entry whose host starts with "*." also
// matches any subdomain of the remainder, so "https://*.example.com"
// matches "https://app.example.com" and "https://a.b.example.com" but not
// "https://example.com" itself.
//
// Scheme and host compare case-insensitively; the port must match exactly.
type OriginPolicy struct {
	allowed []allowedOrigin
}

type allowedOrigin struct {
	scheme   string
	host     string // lowercase hostname, without the "*." prefix
	port     string
	wildcard bool
}

// NewOriginPolicy parses the allow-list. Unparseable entries are skipped;
// an empty policy rejects every origin.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Hostname() == "" {
			continue
		}
		entry := allowedOrigin{
			scheme: strings.ToLower(u.Scheme),
			host:   strings.ToLower(u.Hostname()),
			port:   u.Port(),
		}
		if strings.HasPrefix(entry.host, "*.") {
			entry.wildcard = true
			entry.host = strings.TrimPrefix(entry.host, "*.")
		}
		p.allowed = append(p.allowed, entry)
	}
	return p
}

// Allows reports whether the given Origin header value matches the
// allow-list. A missing origin is rejected.
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	for _, a := range p.allowed {
		if a.scheme != scheme || a.port != port {
			continue
		}
		if a.wildcard {
			if strings.HasSuffix(host, "."+a.host) {
				return true
			}
			continue
		}
		if a.host == host {
			return true
		}
	}
	return false
}

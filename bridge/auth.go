package bridge

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// AccessPolicy gates the websocket handshake: a shared-token
// allow-list plus an origin policy for browser clients.
//
// An empty token list means open access. That default is intentional:
// LAN deployments run without tokens and the debug surface depends on
// it staying that way.
type AccessPolicy struct {
	tokens  map[string]struct{}
	origins []string

	// RequireSignedMessages forces envelope validation for every
	// message regardless of its mode.
	RequireSignedMessages bool
}

// NewAccessPolicy builds a policy from pre-split token and origin
// lists. Blank entries are ignored.
func NewAccessPolicy(tokens, origins []string, requireSigned bool) *AccessPolicy {
	p := &AccessPolicy{
		tokens:                make(map[string]struct{}),
		RequireSignedMessages: requireSigned,
	}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			p.tokens[t] = struct{}{}
		}
	}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			p.origins = append(p.origins, o)
		}
	}
	return p
}

// ParseTokenList splits a comma- or semicolon-separated token string.
func ParseTokenList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExtractToken pulls the client token from a handshake request,
// checking in order: query token / airpadToken, Authorization bearer,
// x-airpad-token, x-airpad-client-token.
func ExtractToken(r *http.Request) string {
	q := r.URL.Query()
	if t := strings.TrimSpace(q.Get("token")); t != "" {
		return t
	}
	if t := strings.TrimSpace(q.Get("airpadToken")); t != "" {
		return t
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		if t := strings.TrimSpace(auth[7:]); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(r.Header.Get("x-airpad-token")); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get("x-airpad-client-token"))
}

// Authorize checks the request token against the allow-list. With no
// tokens configured every request passes.
func (p *AccessPolicy) Authorize(r *http.Request) bool {
	if len(p.tokens) == 0 {
		return true
	}
	_, ok := p.tokens[ExtractToken(r)]
	return ok
}

// AllowOrigin applies the handshake origin policy. Absent origins
// pass (non-browser clients), as do localhost and private-range
// hosts. Configured entries support "*"/"all" and wildcard host
// patterns like "*.example.com".
func (p *AccessPolicy) AllowOrigin(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, allowed := range p.origins {
		switch {
		case allowed == "*" || strings.EqualFold(allowed, "all"):
			return true
		case strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, host):
			return true
		case strings.Contains(allowed, "*") && matchWildcardHost(allowed, host):
			return true
		}
	}
	return isLocalHost(host)
}

func matchWildcardHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if u, err := url.Parse(pattern); err == nil && u.Host != "" {
		pattern = u.Hostname()
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:] // keep the dot
	return strings.HasSuffix(host, suffix)
}

// isLocalHost reports whether a hostname points at the local machine
// or a private network range.
func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

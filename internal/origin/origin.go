// Package origin implements the browser Origin policy applied to the relay's
// HTTP endpoints and to the signaling WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// removed) and the host[:port] portion for same-host comparisons.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may use the relay.
//
// With an empty Allowed list only same-host origins pass. Otherwise each entry
// is "*" or a normalized origin. Public, when set, is the normalized origin of
// the relay's public URL and always passes.
type Policy struct {
	Allowed []string
	Public  string
}

// Check evaluates r. Requests without an Origin header are not from a browser
// and always pass, with an empty normalized origin.
func (p Policy) Check(r *http.Request) (normalizedOrigin string, ok bool) {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		return "", true
	}
	if len(values) > 1 {
		return "", false
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return "", true
	}
	normalized, originHost, ok := NormalizeHeader(raw)
	if !ok {
		return "", false
	}
	if p.Public != "" && normalized == p.Public {
		return normalized, true
	}
	if !IsAllowed(normalized, originHost, r.Host, p.Allowed) {
		return "", false
	}
	return normalized, true
}

// IsAllowed returns true when the normalized origin is allowed to access the
// given request host.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same host:port only. Scheme is not compared because the relay may sit
	// behind a TLS-terminating proxy.
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}

	normalizedRequestHost, ok := normalizeHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

func normalizeHost(rawHost, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(rawHost)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets; the port is not validated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}

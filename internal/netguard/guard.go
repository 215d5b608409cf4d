// Package netguard validates outbound connection targets against a domain
// allow-list before any network attempt, so a hostile server config cannot
// point mcpbridge at internal infrastructure.
package netguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DomainNotAllowedError reports an SSRF allow-list rejection. It fails fast,
// before any DNS lookup or dial.
type DomainNotAllowedError struct {
	Host   string
	Reason string
}

func (e *DomainNotAllowedError) Error() string {
	return fmt.Sprintf("domain %q not allowed: %s", e.Host, e.Reason)
}

// Guard checks connection targets against an allow-list.
type Guard struct {
	allowed     []string
	denyPrivate bool
}

// New creates a Guard. Entries are exact hostnames or wildcard suffixes
// ("*.example.com"). An empty list allows every host; denyPrivate rejects
// loopback, RFC 1918 and link-local addresses regardless of the list.
func New(allowedDomains []string, denyPrivate bool) *Guard {
	normalized := make([]string, 0, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &Guard{allowed: normalized, denyPrivate: denyPrivate}
}

// Validate checks a target URL. Non-HTTP schemes, hosts outside the
// allow-list, and (when configured) private addresses return a
// *DomainNotAllowedError.
func (g *Guard) Validate(rawURL string) error {
	if g == nil {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &DomainNotAllowedError{Host: rawURL, Reason: "unparseable URL"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &DomainNotAllowedError{Host: parsed.Host, Reason: fmt.Sprintf("scheme %q not permitted", parsed.Scheme)}
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return &DomainNotAllowedError{Host: rawURL, Reason: "missing host"}
	}

	if g.denyPrivate && isPrivateHost(host) {
		return &DomainNotAllowedError{Host: host, Reason: "private or loopback address"}
	}

	if len(g.allowed) == 0 {
		return nil
	}
	for _, allowed := range g.allowed {
		if matchDomain(host, allowed) {
			return nil
		}
	}
	return &DomainNotAllowedError{Host: host, Reason: "not in allow-list"}
}

func matchDomain(host, pattern string) bool {
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the dot: "*.example.com" -> ".example.com"
		return strings.HasSuffix(host, suffix)
	}
	return false
}

func isPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// Package domainutil normalises website URLs, hosts and e-mail addresses into comparable
// registered domains (eTLD+1) using the public suffix list.
package domainutil

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Host extracts the bare lower-cased host out of a URL, host name or e-mail address.
// A leading "www." label and any port are removed.
func Host(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			s = u.Host
		} else {
			s = s[strings.Index(s, "://")+3:]
		}
	} else if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}

	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}

	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

// RegisteredDomain returns the registered domain (eTLD+1) of raw, i.e:
// "https://www.example.co.jp/recruit" and "hr@example.co.jp" both become "example.co.jp".
// When the public suffix list cannot resolve the host, the normalised host is returned as is.
func RegisteredDomain(raw string) string {
	host := Host(raw)
	if host == "" {
		return ""
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}

	return domain
}

// SameRegisteredDomain reports whether a and b share a non-empty registered domain.
func SameRegisteredDomain(a, b string) bool {
	da := RegisteredDomain(a)
	return da != "" && da == RegisteredDomain(b)
}

// NormalizeAddress lower-cases and trims an e-mail address for set membership checks.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

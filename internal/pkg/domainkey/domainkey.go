// Package domainkey derives stable per-site keys from URLs.
package domainkey

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Host returns the lower-cased host of rawURL without port and "www." prefix.
// It returns "" when rawURL has no host.
func Host(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// FromURL returns the registrable domain (eTLD+1) of rawURL, so that
// feeds.example.com and example.com share one key. IP hosts and hosts
// without a public suffix are returned as is. Unparseable input yields
// the trimmed input itself, keeping failures isolated per URL.
func FromURL(rawURL string) string {
	host := Host(rawURL)
	if host == "" {
		return strings.TrimSpace(rawURL)
	}
	if net.ParseIP(host) != nil {
		return host
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}

// Matches reports whether host equals domain or is a subdomain of it.
func Matches(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Package fetcher retrieves RSS/Atom/JSON feeds over HTTP and normalizes
// their entries into entity.Item values with stable identities.
package fetcher

import (
	"fmt"
	"net"
	"net/url"
)

// validateURL rejects non-http(s) URLs and, when denyPrivateIPs is set,
// hosts resolving to loopback, private or link-local addresses.
func validateURL(urlStr string, denyPrivateIPs bool) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: parse error: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme '%s' not allowed (only http/https)", ErrInvalidURL, u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidURL)
	}

	if !denyPrivateIPs {
		return nil
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// DNS failures are transient; let the request itself report them.
		return nil
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: hostname '%s' resolves to %s", ErrPrivateIP, hostname, ip.String())
		}
	}

	return nil
}

// isPrivateIP checks loopback (127.0.0.0/8, ::1), private (RFC 1918,
// fc00::/7) and link-local (169.254.0.0/16, fe80::/10) ranges.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

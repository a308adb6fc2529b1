package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrUnsafeEndpoint = errors.New("unsafe endpoint url")

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google", "host.docker.internal"}

// ValidateEndpointURL checks that a user-supplied callback URL is safe to
// POST to from the server. Private, loopback, link-local and unspecified
// addresses are rejected, both as literals and after DNS resolution.
func ValidateEndpointURL(rawURL string, requireHTTPS bool) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireHTTPS:
	default:
		if requireHTTPS {
			return fmt.Errorf("%w: URL scheme must be https", ErrUnsafeEndpoint)
		}
		return fmt.Errorf("%w: URL scheme must be http or https", ErrUnsafeEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL are not allowed", ErrUnsafeEndpoint)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrUnsafeEndpoint, host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrUnsafeEndpoint)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrUnsafeEndpoint)
	}
	return nil
}

package util

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrNonPublicAddress is returned by PublicOnlyDialControl for internal addresses.
var ErrNonPublicAddress = errors.New("non-public address")

// IPClassification is the security class of an IP address, used to decide whether
// outbound fetches (request_uri request objects) may connect to it.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address.
//
// Classifications:
//   - Unspecified: 0.0.0.0, ::
//   - Loopback: 127.0.0.0/8, ::1
//   - LinkLocal: 169.254.0.0/16, fe80::/10 (cloud metadata endpoints live here)
//   - Private: RFC 1918 (10/8, 172.16/12, 192.168/16), fc00::/7
//   - Public: everything else
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal checks if an IP address is link-local (unicast or multicast).
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal returns true for any non-public IP address.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname checks if a hostname represents a loopback address.
// Expects hostname without port (as returned by url.URL.Hostname()).
// 0.0.0.0 is not considered loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// PublicOnlyDialControl is a net.Dialer Control function that refuses connections to
// non-public addresses. It runs after DNS resolution, so it also covers hostnames that
// resolve to internal addresses.
func PublicOnlyDialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an IP", address)
	}
	if class := ClassifyIP(ip); class != IPClassificationPublic {
		return fmt.Errorf("refusing to connect to %s address %s: %w", class, ip, ErrNonPublicAddress)
	}
	return nil
}

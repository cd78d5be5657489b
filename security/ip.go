package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's IP address for rate limiting and audit logs.
//
// Enable TrustProxy only behind a reverse proxy you control. X-Forwarded-For is read
// as "client, proxy1, proxy2" and TrustedProxyCount proxies are skipped from the
// right, so values a client prepends cannot spoof its address.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the client IP address of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF returns the entry trustedProxyCount positions from the right
// (at least one proxy is assumed), or "" if it is not an IP.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	clientIP := strings.TrimSpace(ips[calculateClientIPIndex(len(ips), trustedProxyCount)])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// calculateClientIPIndex returns len-proxies-1, clamped to 0. Zero proxies means one.
func calculateClientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	clientIndex := numIPs - proxyCount - 1
	if clientIndex < 0 {
		return 0
	}
	return clientIndex
}

func extractIPFromXRealIP(xri string) string {
	xri = strings.TrimSpace(xri)
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

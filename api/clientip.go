package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// extractClientIP returns the best-effort client IP address for rate
// limiting.
//
// Proxy headers (X-Forwarded-For, X-Real-IP) are only honored when
// trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges; otherwise untrusted clients could
// spoof their source IP via headers. With no trusted proxies configured
// (the default) RemoteAddr is always used.
func extractClientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	if remoteIP == "" || !inTrustedRange(remoteIP, trustedProxies) {
		return remoteIP
	}

	// Each proxy appends the peer it accepted the connection from, so
	// only the rightmost entries are vouched for. Walk right to left
	// past our own trusted hops; the first address outside the trusted
	// ranges is the client. Anything further left is client-supplied
	// and must be ignored.
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		last := ""
		for i := len(parts) - 1; i >= 0; i-- {
			ip, ok := parseIPCandidate(parts[i])
			if !ok {
				break
			}
			last = ip
			if !inTrustedRange(ip, trustedProxies) {
				return ip
			}
		}
		// Every hop was a trusted proxy; the leftmost is the best guess.
		if last != "" {
			return last
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if ip, ok := parseIPCandidate(xrip); ok {
			return ip
		}
	}

	return remoteIP
}

func inTrustedRange(ip string, trustedProxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	return "", false
}

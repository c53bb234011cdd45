// Package clientinfo derives the client fingerprint (IP, proxy flag, user agent)
// from request headers.
package clientinfo

import (
	"net"
	"net/http"
	"strings"

	"github.com/rryowa/sessionauth/internal/models"
)

const UnknownUserAgent = "Unknown"

// Trusted proxy headers, highest priority first. X-Forwarded-For is handled
// separately because it carries a chain.
var proxyHeaders = []string{ //nolint:gochecknoglobals // read-only
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Real-IP",
}

// Extract returns the fingerprint for a request given its headers and the IP
// of the peer that opened the connection. When a proxy header is present the
// connection IP is kept as OriginalIPAddress.
func Extract(h http.Header, connectionIP string) models.ClientInfo {
	info := models.ClientInfo{
		IPAddress: connectionIP,
		UserAgent: h.Get("User-Agent"),
	}
	if info.UserAgent == "" {
		info.UserAgent = UnknownUserAgent
	}

	if ip, ok := proxiedIP(h); ok {
		original := connectionIP
		info.OriginalIPAddress = &original
		info.IPAddress = ip
		info.IsProxy = true
	}

	return info
}

// FromRequest extracts the fingerprint using r.RemoteAddr as the connection IP.
func FromRequest(r *http.Request) models.ClientInfo {
	return Extract(r.Header, hostOnly(r.RemoteAddr))
}

func proxiedIP(h http.Header) (string, bool) {
	for _, name := range proxyHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v, true
		}
	}

	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first, true
		}
	}

	return "", false
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

package middle

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/response"
)

var trustProxy atomic.Bool

// SetTrustProxy controls whether forwarding headers are believed. Only
// enable it when the service runs behind a proxy that overwrites them.
func SetTrustProxy(trust bool) {
	trustProxy.Store(trust)
}

// GetClientIP extracts the client IP. X-Forwarded-For and X-Real-IP are
// ignored unless the proxy is trusted, since any client can set them.
func GetClientIP(r *http.Request) string {
	if trustProxy.Load() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "::1" {
		return "127.0.0.1"
	}
	return host
}

// IPAllowed reports whether ip matches one of the entries, which may be
// single addresses or CIDR ranges
func IPAllowed(ip string, allowlist []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(parsed) {
			return true
		}
	}
	return false
}

// IPAllowlistMiddleware restricts a route to the given addresses. An empty
// list allows everyone.
func IPAllowlistMiddleware(allowlist []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowlist) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := GetClientIP(r)
			if !IPAllowed(clientIP, allowlist) {
				logger.Security("ip_not_allowlisted", logger.SeverityMedium, logger.LogContext{
					IP:     clientIP,
					Fields: map[string]any{"path": r.URL.Path},
				})
				response.Forbidden(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

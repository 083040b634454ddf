package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/echoanalytics/echo-gate/internal/ratelimit"
)

// HeaderXForwardedFor is the header name for forwarded client addresses.
const HeaderXForwardedFor = "X-Forwarded-For"

// ClientIPResolver derives the client identity of a request.
//
// When TrustForwardedFor is set, the first entry of X-Forwarded-For is taken as the
// original client. That header is attacker-controlled unless every request passes a
// reverse proxy that overwrites it, so deployments exposed directly to clients should
// disable trust or list their proxies in TrustedProxies.
type ClientIPResolver struct {
	TrustForwardedFor bool
	trusted           map[string]bool
}

// NewClientIPResolver creates a resolver. With a non-empty trustedProxies list the
// forwarded header is only honoured when the transport peer is one of those addresses.
func NewClientIPResolver(trustForwardedFor bool, trustedProxies []string) *ClientIPResolver {
	trusted := make(map[string]bool, len(trustedProxies))
	for _, ip := range trustedProxies {
		if ip = strings.TrimSpace(ip); ip != "" {
			trusted[ip] = true
		}
	}
	return &ClientIPResolver{TrustForwardedFor: trustForwardedFor, trusted: trusted}
}

// Resolve returns the first forwarded address, the transport peer host, or
// ratelimit.UnknownIdentity, in that order of preference.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	remoteIP := extractIPFromAddr(r.RemoteAddr)

	if c.TrustForwardedFor && (len(c.trusted) == 0 || c.trusted[remoteIP]) {
		if xff := r.Header.Get(HeaderXForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if clientIP := strings.TrimSpace(first); clientIP != "" {
				return clientIP
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return ratelimit.UnknownIdentity
}

// ClientIP returns a middleware that resolves the client address once and stores it in context.
func ClientIP(resolver *ClientIPResolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ClientIPKey, resolver.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractIPFromAddr extracts the IP address from an address string (host:port or just host).
func extractIPFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		// If there's no port, the whole string is the host
		return strings.TrimSpace(addr)
	}
	return host
}

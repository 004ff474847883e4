package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls how much of X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies we own between the client
	// and this process. 0 ignores X-Forwarded-For, 1 takes the rightmost
	// entry (single ALB), 2 the second from the right (CDN + ALB), etc.
	TrustedHops int
}

// ClientIP resolves the network client for the peer flood guard and logs and
// stores it in the context. Forwarded headers are only honored when the
// direct peer is on a private network.
//
// Headers are left in place: the admission handler derives its quota key from
// X-Forwarded-For and X-Real-IP as the caller sent them, which is a separate
// concern from who is on the other end of the socket.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func resolveClientIP(r *http.Request, trustedHops int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		// unix sockets and test harnesses; bucket them together
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if trustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		return peer.String()
	}

	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer.String()
	}
	parts := strings.Split(strings.Join(xff, ","), ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than configured proxies: misconfigured or forged, use the socket
		return peer.String()
	}
	cand, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer.String()
	}
	return cand.Unmap().String()
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

package admission

import (
	"net/http"
	"strings"
)

// clientAddress picks the address half of the counter key: the first
// X-Forwarded-For entry, then X-Real-IP, then the identifier itself.
//
// The headers are taken as sent. They are caller supplied and only namespace
// the quota; the peer guard uses the trusted-hop resolution instead.
func clientAddress(r *http.Request, identifier string) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return identifier
}

func counterKey(addr, identifier string) string {
	return addr + ":" + identifier
}

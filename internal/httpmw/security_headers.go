package httpmw

import "net/http"

// SecurityHeaders sets response headers for a JSON API: nothing is
// renderable, frameable or cacheable. Cross-origin access is granted by CORS
// on the admission routes, not here.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		// quota answers are per-caller and change every request
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

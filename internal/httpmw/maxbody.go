package httpmw

import "net/http"

// MaxBody caps request bodies at n bytes. Reads past the cap fail with
// *http.MaxBytesError, which handlers turn into their own error response.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && n > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

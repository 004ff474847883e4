package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// internalErrorBody matches the admission handler's 500 so callers see one shape.
const internalErrorBody = `{"error":"Internal server error"}`

// Recover turns a handler panic into a 500 JSON response and an error log.
// onPanic, if set, runs after logging (metrics hook). http.ErrAbortHandler is
// re-raised so net/http can abort the connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic_stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				if tw.wroteHeader {
					// status already on the wire; nothing useful left to send
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(internalErrorBody))
			}()
			next.ServeHTTP(tw, r)
		})
	}
}

type headerTracker struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *headerTracker) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *headerTracker) Write(p []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(p)
}

func (t *headerTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// set by the admission handler on every quota response
const quotaLimitHeader = "X-RateLimit-Limit"

// recorder captures what the handler sent without buffering it.
type recorder struct {
	http.ResponseWriter
	status int
	n      int
	// quota reports whether the response carried window quota headers
	quota bool
}

func (w *recorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.quota = w.Header().Get(quotaLimitHeader) != ""
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *recorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// throttled reports a 429 issued by a window quota.
func (w *recorder) throttled() bool {
	return w.quota && w.code() == http.StatusTooManyRequests
}

// routeLabel is the chi pattern that served the request. Raw paths are caller
// controlled and never become a label.
func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Middleware records RED metrics per method and route, plus quota 429s per
// route.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// give chi a context to fill in so the pattern is visible out here
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		m.observe(r, rec, time.Since(start))
	})
}

func (m *ServerMetrics) observe(r *http.Request, rec *recorder, elapsed time.Duration) {
	ctx := r.Context()
	method := r.Method
	route := routeLabel(ctx)
	code := rec.code()

	m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	if code >= 500 {
		m.errorsTotal.WithLabelValues(method, route).Inc()
	}
	if rec.throttled() {
		m.throttledTotal.WithLabelValues(route).Inc()
	}

	dur := m.reqDur.WithLabelValues(method, route)
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := dur.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(elapsed.Seconds(), ex)
		} else {
			dur.Observe(elapsed.Seconds())
		}
	} else {
		dur.Observe(elapsed.Seconds())
	}

	m.respBytes.WithLabelValues(method, route).Observe(float64(rec.n))
}

// traceExemplar links a sampled trace to the duration sample.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

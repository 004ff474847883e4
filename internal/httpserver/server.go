package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/estately-labs/ratelimiter/internal/health"
	"github.com/estately-labs/ratelimiter/internal/httpmw"
	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// NewHandler builds the public handler: routes plus the middleware stack.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// rename span and tag logger with the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog)

	if opts.MaxBodyBytes > 0 {
		r.Use(httpmw.MaxBody(opts.MaxBodyBytes))
	}

	// load balancer probes, also served on the ops port
	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	// Middleware (outermost last in wrapping order)
	var h http.Handler = r

	// request-scoped logging, inner so it sees trace_id
	h = httpmw.WithLogger(L)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span to the route pattern
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// after client IP so it sees the resolved peer
	if opts.PeerGuard != nil {
		h = opts.PeerGuard(h)
	}

	h = httpmw.ClientIP(opts.ClientIP)(h)

	h = httpmw.RequestID(h)

	h = httpmw.Recover(L, opts.OnPanic)(h)

	// outermost so every response carries them
	h = httpmw.SecurityHeaders(h)

	return h
}

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 16
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves in the background.
// Returns stop(ctx) for graceful shutdown; stop is idempotent.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

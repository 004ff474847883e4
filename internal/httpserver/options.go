package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/estately-labs/ratelimiter/internal/health"
	"github.com/estately-labs/ratelimiter/internal/httpmw"
	"github.com/estately-labs/ratelimiter/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// ClientIP controls how the network peer is resolved for the peer guard
	// and request logs.
	ClientIP httpmw.ClientIPOptions

	// PeerGuard runs after client IP resolution, ahead of tracing.
	PeerGuard func(http.Handler) http.Handler
	MetricsMW func(http.Handler) http.Handler
	OnPanic   func()

	// MaxBodyBytes caps request bodies, 0 disables the cap.
	MaxBodyBytes int64

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the application routes.
	APIRoutes func(chi.Router)
}

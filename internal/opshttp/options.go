package opshttp

import (
	"net/http"

	"github.com/estately-labs/ratelimiter/internal/health"
)

type Options struct {
	// Port defaults to 9000.
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs when a handler panic is recovered, e.g. to bump a counter.
	OnPanic func()
}

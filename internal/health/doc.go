// Package health has the probes behind /-/healthy and /-/ready.
//
// Probes compose with All (AND) and Any (OR). Ping turns a backend's
// connectivity check into a readiness probe with its own deadline.
//
// ShutdownGate fails readiness as soon as shutdown begins, so load balancers
// stop routing admission checks here before in-flight requests are drained.
package health

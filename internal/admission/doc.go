// Package admission is the HTTP surface of the rate limiter.
//
// Callers POST {"action","identifier"} before a protected operation and get
// back an admit (200) or deny (429) decision with quota headers. The counter
// key is the caller's forwarded address joined with the identifier, scoped by
// action. The store is injected; this package holds no counter state itself.
//
// Error taxonomy:
//   - ErrMissingFields: 400, nothing is counted
//   - quota exceeded: 429, not an error
//   - anything else (undecodable body, store failure): 500 with an opaque body
package admission

// Package httpmw is the middleware used by the public admission listener.
//
// httpserver.NewHandler composes it in this order: security headers, panic
// recovery, request ID, client IP, peer flood guard, otel, trace headers,
// metrics, request logger, then the chi router (compress, route annotation,
// access log, body cap).
//
// Request bodies, identifiers and free-form headers never reach the logs. The
// request logger only records the request ID, resolved addresses, method and
// path.
package httpmw

// Package httpserver provides the shared HTTP server plumbing for the
// ledger's control surface.
//
// BaseServer wraps net/http with the middleware and lifecycle endpoints the
// daemon needs: request logging via structured slog, panic recovery, liveness
// and readiness probes, drain/undrain for load-balancer coordination, and
// optional pprof. Components contribute their routes through the
// RouteRegistrar interface; the server owns listening and graceful shutdown.
package httpserver

// Package shield provides reusable HTTP security middleware for the
// docguard gateway. It consolidates security headers, request-body limits,
// request tracing, and HEAD-method handling into a single importable
// package — the subset of the HOROS ecosystem's shield package that still
// applies once rate limiting, maintenance mode, and flash messages (all
// SQLite-backed, and this service persists nothing) are dropped.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(shield.MaxBodyBytes) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for the docguard
// gateway. Middleware is ordered: HeadToGet → SecurityHeaders → MaxBody →
// TraceID.
func DefaultStack(maxBodyBytes int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBodyBytes),
		TraceID,
	}
}

// Package connectivity provides resilience middleware (circuit breaker,
// retry-with-backoff, timeout, logging) for outbound calls
// to unreliable external services.
//
// Handler is the transport-agnostic shape every wrapped call has: bytes in,
// bytes out. docguard's reputation client wraps its HTTP round-trips in a
// Handler so the same CircuitBreaker/WithRetry/WithTimeout middleware used
// elsewhere in the ecosystem applies unchanged.
package connectivity

import "context"

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

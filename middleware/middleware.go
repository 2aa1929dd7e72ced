// Package middleware provides composable wrappers around RPC invocations.
//
// An Invoker runs one complete operation: encode the request, perform the
// framed call, decode the response, and map a false success flag to
// message.ErrFailed. Middleware wraps that whole unit, so layers like retry
// can distinguish a server-side rejection (retryable at the application
// level) from a connection or framing fault (never retried — the stream
// would be desynchronized).
package middleware

import (
	"context"

	"tilelobby/protocol"
)

// Invoker performs one RPC operation end to end. req is the operation's
// request body (may be nil), resp the response body to decode into.
type Invoker func(ctx context.Context, op protocol.Opcode, req, resp any) error

// Middleware wraps an Invoker.
type Middleware func(next Invoker) Invoker

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

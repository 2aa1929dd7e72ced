package middleware

import (
	"context"
	"time"

	"tilelobby/protocol"
)

// Timeout bounds each operation with a deadline. The transport honors the
// deadline at frame boundaries, so no extra goroutine is needed; on expiry
// the call fails like a lost connection and the session resets.
func Timeout(d time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, op protocol.Opcode, req, resp any) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, op, req, resp)
		}
	}
}

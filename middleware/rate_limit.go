package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"tilelobby/protocol"
)

// RateLimit paces outgoing operations with a token bucket, keeping an eager
// caller (UI spamming SetTile, say) from flooding the single connection.
// Wait blocks for a token rather than rejecting, and respects the call's
// context.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, op protocol.Opcode, req, resp any) error {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			return next(ctx, op, req, resp)
		}
	}
}

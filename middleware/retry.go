package middleware

import (
	"context"
	"errors"
	"time"

	"tilelobby/logx"
	"tilelobby/message"
	"tilelobby/protocol"
)

// Retry re-issues an operation the server rejected, with exponential
// backoff. Only message.ErrFailed is retried: it is an application-level
// outcome on a healthy connection. Framing and connection errors are never
// retried — after those the stream is desynchronized and a repeat would read
// someone else's frame.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, op protocol.Opcode, req, resp any) error {
			err := next(ctx, op, req, resp)
			for i := 0; i < maxRetries && errors.Is(err, message.ErrFailed); i++ {
				logx.Log.Debug().Stringer("op", op).Int("attempt", i+1).Msg("retrying rejected request")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return ctx.Err()
				}
				err = next(ctx, op, req, resp)
			}
			return err
		}
	}
}

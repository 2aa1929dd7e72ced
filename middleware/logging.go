package middleware

import (
	"context"
	"time"

	"tilelobby/logx"
	"tilelobby/protocol"
)

// Logging records every operation with its outcome and duration.
func Logging() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, op protocol.Opcode, req, resp any) error {
			start := time.Now()
			err := next(ctx, op, req, resp)
			evt := logx.Log.Debug()
			if err != nil {
				evt = logx.Log.Warn().Err(err)
			}
			evt.Stringer("op", op).Dur("duration", time.Since(start)).Msg("rpc")
			return err
		}
	}
}

package middleware

import (
	"context"
	"time"

	"mini-dbus/message"
)

// Timeout bounds each call with a per-call deadline. The wire protocol has no
// cancellation, so an expired call is de-registered locally and its late
// reply, if any, is discarded by the receive loop.
func Timeout(timeout time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, m *message.Message) (*message.Message, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, m)
		}
	}
}

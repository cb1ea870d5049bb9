package middleware

import (
	"context"
	"errors"
	"time"

	"mini-dbus/message"
)

// Retry re-issues a call after transient failures with exponential backoff.
// Only errors that are safe to retry qualify: a bus-level NoReply/Timeout
// error or a caller deadline. Connection-level failures are not retried —
// once the connection is drained every retry would fail the same way.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, m *message.Message) (*message.Message, error) {
			reply, err := next(ctx, m)
			for i := 0; i < maxRetries && retryable(err); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				reply, err = next(ctx, m)
			}
			return reply, err
		}
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var callErr *message.CallError
	if errors.As(err, &callErr) {
		switch callErr.Name {
		case "org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Timeout",
			"org.freedesktop.DBus.Error.LimitsExceeded":
			return true
		}
	}
	return false
}

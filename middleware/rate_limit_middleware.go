package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-dbus/message"
)

// RateLimit paces outgoing calls with a token bucket. Callers block until a
// token is available or their context is done, so a chatty client cannot
// flood the bus daemon.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, m *message.Message) (*message.Message, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, m)
		}
	}
}

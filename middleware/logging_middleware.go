package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-dbus/message"
)

// Logging records every call's destination, member, duration and outcome.
func Logging(log zerolog.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, m *message.Message) (*message.Message, error) {
			start := time.Now()
			reply, err := next(ctx, m)

			ev := log.Debug()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Str("destination", m.Destination).
				Str("interface", m.Interface).
				Str("member", m.Member).
				Dur("duration", time.Since(start)).
				Msg("method call")
			return reply, err
		}
	}
}

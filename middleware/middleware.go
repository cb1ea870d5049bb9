// Package middleware provides composable wrappers around outgoing method calls.
//
// A Middleware wraps a CallFunc, the shape of Conn.Call. The connection
// applies its configured chain once, so every call pays only for what was
// installed.
package middleware

import (
	"context"

	"mini-dbus/message"
)

// CallFunc issues a method call and waits for its reply.
type CallFunc func(ctx context.Context, m *message.Message) (*message.Message, error)

// Middleware wraps a CallFunc with additional behavior.
type Middleware func(next CallFunc) CallFunc

// Chain composes middlewares into one; the first listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

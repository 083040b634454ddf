// Package middleware contains the HTTP pipeline stages placed in front of the API handlers.
package middleware

import (
	"context"
	"net/http"
)

// Middleware decorates a handler.
type Middleware func(http.Handler) http.Handler

type contextKey string

// Request-scoped values set by RequestID and ClientIP.
const (
	RequestIDKey contextKey = "request_id"
	ClientIPKey  contextKey = "client_ip"
)

// GetRequestID returns the ID assigned by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetClientIP returns the rate limit identity resolved by ClientIP, or "".
func GetClientIP(ctx context.Context) string {
	return stringValue(ctx, ClientIPKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// Chain is an immutable, ordered list of middlewares. The first entry is outermost.
type Chain struct {
	stages []Middleware
}

// New returns a chain running the given middlewares in order.
func New(stages ...Middleware) *Chain {
	return &Chain{stages: append([]Middleware(nil), stages...)}
}

// Append returns a new chain with more stages after the existing ones.
func (c *Chain) Append(stages ...Middleware) *Chain {
	combined := make([]Middleware, 0, len(c.stages)+len(stages))
	combined = append(combined, c.stages...)
	return &Chain{stages: append(combined, stages...)}
}

// Then wraps h so a request passes every stage before reaching it.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.stages) - 1; i >= 0; i-- {
		h = c.stages[i](h)
	}
	return h
}

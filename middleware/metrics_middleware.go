package middleware

import (
	"context"
	"time"

	"facegate/message"
	"facegate/observability"
)

func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			observability.RecordServerRequest(req.Tag.String(), time.Since(start), resp.Err)
			return resp
		}
	}
}

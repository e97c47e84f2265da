package middleware

import (
	"context"
	"errors"

	"facegate/message"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware applies one token bucket shared by every connection.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failed(ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}

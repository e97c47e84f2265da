package middleware

import (
	"context"
	"errors"
	"time"

	"facegate/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware abandons handlers that run longer than timeout. The handler
// keeps running in the background with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failed(ErrTimeout)
			}
		}
	}
}

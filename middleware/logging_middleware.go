package middleware

import (
	"context"
	"time"

	"facegate/message"

	"github.com/rs/zerolog"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			event := logger.Debug()
			if resp.Err != nil {
				event = logger.Warn().Err(resp.Err)
			}
			event.
				Str("op", req.Tag.String()).
				Uint64("session", req.Session.ID).
				Str("remote", req.Session.RemoteAddr).
				Int("req_bytes", len(req.Payload)).
				Int("resp_bytes", len(resp.Payload)).
				Dur("duration", time.Since(start)).
				Msg("request")
			return resp
		}
	}
}

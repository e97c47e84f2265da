package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"facegate/message"
	"facegate/protocol"

	"github.com/rs/zerolog"
)

func newRequest() *message.Request {
	return &message.Request{
		Tag:     protocol.CredentialsCheckRequest,
		Payload: []byte{1, 'a', 1, 'b'},
		Session: message.NewSession(7, "127.0.0.1:40000"),
	}
}

// echoHandler answers true immediately.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Bool(true)
}

// slowHandler needs 200ms.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.Bool(true)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	handler := LoggingMiddleware(logger)(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp == nil || resp.Err != nil {
		t.Fatalf("expect success, got %+v", resp)
	}
	if !strings.Contains(buf.String(), "credentials-check") {
		t.Fatalf("log line should name the op: %s", buf.String())
	}
}

func TestLoggingWarnsOnError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)
	handler := LoggingMiddleware(logger)(func(ctx context.Context, req *message.Request) *message.Response {
		return message.Failed(errors.New("store offline"))
	})

	handler(context.Background(), newRequest())
	if !strings.Contains(buf.String(), "store offline") {
		t.Fatalf("error should be logged at warn: %q", buf.String())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp.Err != nil {
		t.Fatalf("expect no error, got '%v'", resp.Err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest())
	if !errors.Is(resp.Err, ErrTimeout) {
		t.Fatalf("expect timeout error, got '%v'", resp.Err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		if resp.Err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, resp.Err)
		}
	}

	resp := handler(context.Background(), newRequest())
	if !errors.Is(resp.Err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", resp.Err)
	}
}

func TestMetrics(t *testing.T) {
	handler := MetricsMiddleware()(echoHandler)
	if resp := handler(context.Background(), newRequest()); resp.Err != nil {
		t.Fatal(resp.Err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("a"), LoggingMiddleware(zerolog.Nop()), TimeOutMiddleware(500*time.Millisecond), mark("b"))
	handler := chained(echoHandler)

	resp := handler(context.Background(), newRequest())
	if resp == nil || resp.Err != nil {
		t.Fatalf("expect success, got %+v", resp)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("unexpected order %v", order)
	}
}

package observability

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordServerRequest("captcha", 3*time.Millisecond, nil)
	RecordServerRequest("face-check", 9*time.Millisecond, errors.New("boom"))
	RecordClientRoundTrip("credentials-check", 2*time.Millisecond, nil)
	ServerConnOpened()
	ServerConnClosed()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"unknown": zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestInitLoggerTagsApp(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLoggerTo(&buf, "facegate-test", "info")
	logger.Info().Msg("hello")
	logger.Debug().Msg("hidden")

	out := buf.String()
	if !strings.Contains(out, "facegate-test") || !strings.Contains(out, "hello") {
		t.Fatalf("unexpected log output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("debug line should be filtered at info level")
	}
}

func TestAdminRouter(t *testing.T) {
	ready := false
	r := AdminRouter("node-a", func() bool { return ready })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health before ready: got %d", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "node-a") {
		t.Fatalf("health after ready: %d %s", rec.Code, rec.Body.String())
	}

	RecordServerRequest("statistics", time.Millisecond, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "facegate_server_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

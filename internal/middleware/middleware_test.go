package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/R3E-Network/metatx_ledger/internal/logging"
	"github.com/R3E-Network/metatx_ledger/internal/metrics"
)

func TestRateLimiter_PerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2, logging.NewDiscard())
	handler := rl.Handler(okHandler())

	send := func(relayer, remote string) int {
		req := httptest.NewRequest("POST", "/v1/instructions", nil)
		req.RemoteAddr = remote
		if relayer != "" {
			req.Header.Set("X-Relayer-ID", relayer)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("relayer-a", "10.0.0.1:1000"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, code)
		}
	}
	if code := send("relayer-a", "10.0.0.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("burst exceeded: status = %d, want 429", code)
	}
	if code := send("", "10.0.0.3:1000"); code != http.StatusOK {
		t.Errorf("other host limited: status = %d", code)
	}
	// Ports differ, host is the same key.
	send("", "10.0.0.2:1")
	send("", "10.0.0.2:2")
	if code := send("", "10.0.0.2:3"); code != http.StatusTooManyRequests {
		t.Errorf("remote host not limited: status = %d", code)
	}
}

func TestRateLimiter_IgnoresRelayerHeader(t *testing.T) {
	rl := NewRateLimiter(1, 1, logging.NewDiscard())
	handler := rl.Handler(okHandler())

	accepted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("POST", "/v1/instructions", nil)
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Relayer-ID", fmt.Sprintf("r%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}
	if rl.Size() != 1 {
		t.Errorf("limiter keys = %d, want 1", rl.Size())
	}
}

func TestRateLimiter_CallerKey(t *testing.T) {
	rl := NewRateLimiter(1, 1, logging.NewDiscard())
	handler := rl.Handler(okHandler())

	send := func(caller string) int {
		req := httptest.NewRequest("POST", "/v1/deposits", nil)
		req.RemoteAddr = "10.0.0.9:1"
		req = req.WithContext(logging.WithUserID(req.Context(), caller))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("tz1a"); code != http.StatusOK {
		t.Fatalf("first caller: status = %d", code)
	}
	if code := send("tz1b"); code != http.StatusOK {
		t.Errorf("second caller shares a key: status = %d", code)
	}
	if code := send("tz1a"); code != http.StatusTooManyRequests {
		t.Errorf("caller not limited: status = %d", code)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, logging.NewDiscard())
	now := time.Date(2022, 11, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("old")
	now = now.Add(11 * time.Minute)
	rl.getLimiter("fresh")

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if rl.Size() != 1 {
		t.Errorf("size = %d, want 1", rl.Size())
	}
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := metrics.New("test")
	r := mux.NewRouter()
	r.Use(MetricsMiddleware("ledgerd", m))
	r.HandleFunc("/v1/accounts/{address}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/accounts/tz1abc", nil))

	out, err := testutil.GatherAndCount(m.Registry(), "test_http_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if out != 1 {
		t.Fatalf("series = %d, want 1", out)
	}
	expected := `
# HELP test_http_requests_total Total number of HTTP requests handled.
# TYPE test_http_requests_total counter
test_http_requests_total{method="GET",path="/v1/accounts/{address}",service="ledgerd",status="404"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_http_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestLoggingMiddleware_TraceID(t *testing.T) {
	var seen string
	handler := LoggingMiddleware(logging.NewDiscard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Trace-ID", "given")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "given" || rec.Header().Get("X-Trace-ID") != "given" {
		t.Errorf("trace id = %q / %q", seen, rec.Header().Get("X-Trace-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if seen == "" || seen == "given" {
		t.Errorf("generated trace id = %q", seen)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://wallet.example"}).Handler(okHandler())

	req := httptest.NewRequest("OPTIONS", "/v1/instructions", nil)
	req.Header.Set("Origin", "https://wallet.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://wallet.example" {
		t.Error("allowed origin not echoed")
	}

	req = httptest.NewRequest("GET", "/v1/domain", nil)
	req.Header.Set("Origin", "https://evil.wallet.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("suffix origin must not be allowed")
	}
}

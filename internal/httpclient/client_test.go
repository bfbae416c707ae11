package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func staticToken(token string) TokenProvider {
	return func(ctx context.Context) string { return token }
}

func TestDoSendsAuthAndContentTypeHeaders(t *testing.T) {
	var capturedAuth, capturedContentType, capturedCorrelation string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedContentType = r.Header.Get("Content-Type")
		capturedCorrelation = r.Header.Get("X-Correlation-Id")
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Options{
		BaseURL:       server.URL,
		TokenProvider: staticToken("token_123"),
		HTTPClient:    server.Client(),
	})
	err := client.Do(context.Background(), http.MethodPost, "/event", nil,
		map[string]any{"eventType": "session_start"}, nil)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer header, got %q", capturedAuth)
	}
	if capturedContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", capturedContentType)
	}
	if capturedCorrelation == "" {
		t.Fatalf("expected correlation id header")
	}
	if capturedBody["eventType"] != "session_start" {
		t.Fatalf("expected body to round-trip, got %+v", capturedBody)
	}
}

func TestDoOmitsAuthHeaderWithoutToken(t *testing.T) {
	var sawAuth bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, TokenProvider: staticToken(""), HTTPClient: server.Client()})
	if err := client.Do(context.Background(), http.MethodGet, "/preferences", nil, nil, nil); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if sawAuth {
		t.Fatalf("expected no Authorization header without a token")
	}
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client(), BackoffBase: time.Millisecond})
	err := client.Do(context.Background(), http.MethodGet, "/notificationadmin", nil, nil, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one request on 401, got %d", got)
	}
}

func TestRateLimitedWaitsRetryAfterThenRetriesOnce(t *testing.T) {
	var calls int32
	var firstCall, secondCall time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			firstCall = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			secondCall = time.Now()
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	if err := client.Do(context.Background(), http.MethodPost, "/activity/batch", nil, nil, nil); err != nil {
		t.Fatalf("expected recovery after rate limit, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly two requests, got %d", got)
	}
	if waited := secondCall.Sub(firstCall); waited < time.Second {
		t.Fatalf("expected >=1s wait before retry, waited %s", waited)
	}
}

func TestRateLimitedRetryAfterZeroRetriesImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// The large default must not apply when the server explicitly
	// permits an immediate retry.
	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client(), RateLimitDelay: 30 * time.Second})
	start := time.Now()
	if err := client.Do(context.Background(), http.MethodPost, "/activity/batch", nil, nil, nil); err != nil {
		t.Fatalf("expected recovery after rate limit, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly two requests, got %d", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected an immediate retry, waited %s", elapsed)
	}
}

func TestRateLimitedRetryFailureSurfaces(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("still limited"))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client(), RateLimitDelay: time.Millisecond})
	err := client.Do(context.Background(), http.MethodPost, "/activity/batch", nil, nil, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected two requests (original plus one retry), got %d", got)
	}
}

func TestOtherHTTPFailuresAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client(), BackoffBase: time.Millisecond})
	err := client.Do(context.Background(), http.MethodGet, "/trending", nil, nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one request for a 500, got %d", got)
	}
}

func TestTransportErrorsRetryWithBackoffThenSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// Close immediately so every request fails at the transport level.
	server.Close()

	client := New(Options{
		BaseURL:     server.URL,
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
	})
	start := time.Now()
	err := client.Do(context.Background(), http.MethodGet, "/preferences", nil, nil, nil)
	if err == nil {
		t.Fatalf("expected transport error to surface")
	}
	// Two retries at 1ms and 2ms backoff.
	if elapsed := time.Since(start); elapsed < 3*time.Millisecond {
		t.Fatalf("expected backoff delays, elapsed %s", elapsed)
	}
}

func TestTransportRetryRecovers(t *testing.T) {
	var calls int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Hijack and drop the connection to force a client-side error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("server does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer flaky.Close()

	client := New(Options{BaseURL: flaky.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	var out map[string]bool
	if err := client.Do(context.Background(), http.MethodGet, "/preferences", nil, nil, &out); err != nil {
		t.Fatalf("expected recovery on retry, got %v", err)
	}
	if !out["ok"] {
		t.Fatalf("expected decoded response, got %+v", out)
	}
}

func TestDoDecodesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[1,2,3]}`))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	var out struct {
		Items []int `json:"items"`
	}
	if err := client.Do(context.Background(), http.MethodGet, "/recommendations", nil, nil, &out); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if len(out.Items) != 3 {
		t.Fatalf("expected decoded items, got %+v", out)
	}
}

func TestRawBodySkipsJSONDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer server.Close()

	client := New(Options{BaseURL: server.URL, HTTPClient: server.Client()})
	var raw RawBody
	if err := client.Do(context.Background(), http.MethodGet, "/notificationadmin", nil, nil, &raw); err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if string(raw.Bytes) != "<html>definitely not json</html>" {
		t.Fatalf("raw body = %q", raw.Bytes)
	}
}

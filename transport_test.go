package fetchkit

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTransport(t *testing.T, baseURL string, options ...TransportOption) *HTTPTransport {
	t.Helper()
	transport, err := NewHTTPTransport(TransportConfig{
		BaseURL:        baseURL,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	}, options...)
	if err != nil {
		t.Fatalf("NewHTTPTransport() returned error: %v", err)
	}
	return transport
}

func transportKind(t *testing.T, err error) TransportErrorKind {
	t.Helper()
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected *TransportError, got %T (%v)", err, err)
	}
	return te.Kind
}

func TestHTTPTransportSend(t *testing.T) {
	var gotPath, gotQuery, gotUA, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"name":"Ana"}`))
	}))
	defer server.Close()

	transport := newTestTransport(t, server.URL+"/api/")
	resp, err := transport.Send(context.Background(), KeyOf("users/42", "fields", "name").Request())
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":42,"name":"Ana"}` {
		t.Errorf("Unexpected body %s", resp.Body)
	}
	if gotPath != "/api/users/42" {
		t.Errorf("Expected path /api/users/42, got %s", gotPath)
	}
	if gotQuery != "fields=name" {
		t.Errorf("Expected query fields=name, got %s", gotQuery)
	}
	if !strings.HasPrefix(gotUA, "fetchkit/") {
		t.Errorf("Expected fetchkit user agent, got %q", gotUA)
	}
	if gotRequestID == "" {
		t.Error("Expected a request ID header")
	}
}

func TestHTTPTransportPostBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		_, _ = w.Write(body)
	}))
	defer server.Close()

	transport := newTestTransport(t, server.URL)
	resp, err := transport.Send(context.Background(), &Request{
		Method:      http.MethodPost,
		Path:        "auth/login",
		Body:        []byte(`{"username":"u"}`),
		ContentType: "application/json",
	})
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if string(resp.Body) != `{"username":"u"}` {
		t.Errorf("Expected echoed body, got %s", resp.Body)
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer server.Close()

	transport := newTestTransport(t, server.URL)
	_, err := transport.Send(context.Background(), KeyOf("x").Request())

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *StatusError, got %T", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || string(se.Body) != "down" {
		t.Errorf("Unexpected status error %+v", se)
	}
	if se.Header.Get("Retry-After") != "1" {
		t.Error("Expected response headers on the status error")
	}
	if !IsTransient(err) {
		t.Error("Expected 503 to be transient")
	}
}

func TestHTTPTransportConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	transport := newTestTransport(t, "http://"+addr)
	_, err = transport.Send(context.Background(), KeyOf("x").Request())
	if kind := transportKind(t, err); kind != TransportConnectionRefused {
		t.Errorf("Expected ConnectionRefused, got %s", kind)
	}
}

func TestHTTPTransportAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	transport, err := NewHTTPTransport(TransportConfig{
		BaseURL:        server.URL,
		ConnectTimeout: 20 * time.Millisecond,
		ReadTimeout:    30 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = transport.Send(context.Background(), KeyOf("slow").Request())
	if kind := transportKind(t, err); kind != TransportTimeout {
		t.Errorf("Expected Timeout, got %s", kind)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Attempt timeout did not bound the send: %v", time.Since(start))
	}
}

func TestHTTPTransportCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	transport := newTestTransport(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := transport.Send(ctx, KeyOf("slow").Request())
	if kind := transportKind(t, err); kind != TransportCancelled {
		t.Errorf("Expected Cancelled, got %s", kind)
	}
}

func TestHTTPTransportMiddlewareOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("X-Trace")))
	}))
	defer server.Close()

	tag := func(name string) Middleware {
		return func(req *http.Request, next RoundTripper) (*http.Response, error) {
			req.Header.Set("X-Trace", req.Header.Get("X-Trace")+name)
			return next.RoundTrip(req)
		}
	}

	transport := newTestTransport(t, server.URL, WithMiddleware(tag("a"), tag("b")))
	resp, err := transport.Send(context.Background(), KeyOf("x").Request())
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if string(resp.Body) != "ab" {
		t.Errorf("Expected middleware to run outermost first, got %q", resp.Body)
	}
}

func TestHTTPTransportCircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	transport := newTestTransport(t, server.URL,
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}),
		WithTransportMetrics(collector),
	)

	for i := 0; i < 2; i++ {
		_, _ = transport.Send(context.Background(), KeyOf("x").Request())
	}
	_, err := transport.Send(context.Background(), KeyOf("x").Request())

	if kind := transportKind(t, err); kind != TransportCircuitOpen {
		t.Errorf("Expected CircuitOpen, got %s", kind)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected ErrCircuitOpen in the chain")
	}
	if hits.Load() != 2 {
		t.Errorf("Expected the open circuit to stop the third send, got %d hits", hits.Load())
	}
	if got := testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("default")); got != float64(StateOpen) {
		t.Errorf("Expected breaker gauge to show open, got %v", got)
	}
}

func TestHTTPTransportRateLimitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	transport := newTestTransport(t, server.URL, WithRateLimit(0.001, 1))
	if _, err := transport.Send(context.Background(), KeyOf("x").Request()); err != nil {
		t.Fatalf("First send should use the burst token: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := transport.Send(ctx, KeyOf("x").Request())
	if kind := transportKind(t, err); kind != TransportCancelled {
		t.Errorf("Expected Cancelled while waiting for a token, got %s", kind)
	}
}

func TestHTTPTransportBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/exact" {
			_, _ = w.Write([]byte("1234567890"))
			return
		}
		_, _ = w.Write([]byte("12345678901"))
	}))
	defer server.Close()

	transport, err := NewHTTPTransport(TransportConfig{BaseURL: server.URL, MaxBodyBytes: 10})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := transport.Send(context.Background(), KeyOf("exact").Request())
	if err != nil {
		t.Fatalf("Send() returned error for a body at the limit: %v", err)
	}
	if string(resp.Body) != "1234567890" {
		t.Errorf("Expected full body, got %q", resp.Body)
	}

	_, err = transport.Send(context.Background(), KeyOf("over").Request())
	if kind := transportKind(t, err); kind != TransportBodyTooLarge {
		t.Errorf("Expected BodyTooLarge, got %s", kind)
	}
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Expected error to wrap ErrBodyTooLarge, got %v", err)
	}
	if IsTransient(err) {
		t.Error("Oversized body must not be retried")
	}
}

func TestHTTPTransportRequestHookRunsBeforePool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	defer server.Close()

	var transport *HTTPTransport
	hook := func(req *http.Request) error {
		if req.URL.Path != "/data" {
			return nil
		}
		// A send made while the hook waits needs the only pool slot.
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		resp, err := transport.Send(ctx, KeyOf("login").Request())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+string(resp.Body)+"token")
		return nil
	}
	var err error
	transport, err = NewHTTPTransport(TransportConfig{
		BaseURL:        server.URL,
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		MaxConcurrent:  1,
	}, WithRequestHook(hook))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	resp, err := transport.Send(context.Background(), KeyOf("data").Request())
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if string(resp.Body) != "Bearer token" {
		t.Errorf("Expected hook header to be sent, got %q", resp.Body)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send waited %v; the hook ran while holding a pool slot", elapsed)
	}
}

func TestHTTPTransportRequestHookError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	transport := newTestTransport(t, server.URL, WithRequestHook(func(req *http.Request) error {
		cancel()
		return req.Context().Err()
	}))

	_, err := transport.Send(ctx, KeyOf("x").Request())
	if kind := transportKind(t, err); kind != TransportCancelled {
		t.Errorf("Expected Cancelled, got %s", kind)
	}
	if hits.Load() != 0 {
		t.Error("Request was sent after its hook failed")
	}
}

func TestHTTPTransportSpans(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	transport := newTestTransport(t, server.URL, WithTracerProvider(provider))

	_, _ = transport.Send(context.Background(), KeyOf("missing").Request())

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "fetchkit.send GET" {
		t.Errorf("Unexpected span name %q", spans[0].Name())
	}
	var status int64
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "http.response.status_code" {
			status = attr.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("Expected status attribute 404, got %d", status)
	}
}

func TestNewHTTPTransportRejectsRelativeBase(t *testing.T) {
	if _, err := NewHTTPTransport(TransportConfig{BaseURL: "api/v1"}); err == nil {
		t.Error("Expected relative base URL to be rejected")
	}
	transport := newTestTransport(t, "")
	_, err := transport.Send(context.Background(), KeyOf("x").Request())
	if kind := transportKind(t, err); kind != TransportNetwork {
		t.Errorf("Expected Network error for relative path without base, got %s", kind)
	}
}

func TestClassifyTransportError(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want TransportErrorKind
	}{
		{"caller cancelled", cancelled, errors.New("any"), TransportCancelled},
		{"deadline", live, context.DeadlineExceeded, TransportTimeout},
		{"dns", live, &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, TransportDNSFailure},
		{"dns timeout", live, &net.DNSError{Err: "timeout", IsTimeout: true}, TransportTimeout},
		{"other", live, io.ErrUnexpectedEOF, TransportNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyTransportError(tt.ctx, "GET", "u", tt.err).Kind; got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

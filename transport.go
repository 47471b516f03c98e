package fetchkit

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/MustafaHasria/fetchkit"

// Request is a transport-neutral description of an outgoing call. Path is
// resolved against the transport's base URL unless it is absolute.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string
}

// Response is a fully read response; the underlying connection has already
// been released when a Transport returns it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Transport sends a single request attempt. Implementations return
// *TransportError when no response was obtained and *StatusError for non-2xx
// responses. Send must return promptly once ctx is done.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware wraps the HTTP round trip of an HTTPTransport.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RequestHook prepares a request before it takes a slot in the send pool, for
// example to attach credentials that first have to be fetched. Hooks run
// under the caller's context and outside the attempt timeout; an error aborts
// the send.
type RequestHook func(req *http.Request) error

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// TransportConfig holds the connection level settings of an HTTPTransport.
type TransportConfig struct {
	BaseURL         string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxConnsPerHost int
	// MaxConcurrent bounds in-flight sends across all hosts.
	MaxConcurrent   int
	MaxBodyBytes    int64
	UserAgent       string
	RequestIDHeader string
}

// DefaultTransportConfig returns conservative defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     10 * time.Second,
		MaxConnsPerHost: 8,
		MaxConcurrent:   32,
		MaxBodyBytes:    10 * 1024 * 1024,
		UserAgent:       "fetchkit/" + Version,
		RequestIDHeader: "X-Request-ID",
	}
}

// HTTPTransport is the net/http backed Transport. It is safe for concurrent use.
type HTTPTransport struct {
	baseURL         *url.URL
	client          *http.Client
	attemptTimeout  time.Duration
	maxBodyBytes    int64
	userAgent       string
	requestIDHeader string
	pool            *semaphore.Weighted
	limiter         *rate.Limiter
	breaker         *CircuitBreaker
	middleware      []Middleware
	hooks           []RequestHook
	tracer          trace.Tracer
	metrics         *MetricsCollector
	logger          Logger
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithMiddleware appends middleware; the first one added is the outermost.
func WithMiddleware(middleware ...Middleware) TransportOption {
	return func(t *HTTPTransport) {
		t.middleware = append(t.middleware, middleware...)
	}
}

// WithRequestHook appends hooks run, in order, before each send waits for the
// rate limiter or the pool.
func WithRequestHook(hooks ...RequestHook) TransportOption {
	return func(t *HTTPTransport) {
		t.hooks = append(t.hooks, hooks...)
	}
}

// WithRateLimit limits sends to rps requests per second with the given burst.
// Sends wait for a token; waiting honours the caller's context.
func WithRateLimit(rps float64, burst int) TransportOption {
	return func(t *HTTPTransport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCircuitBreaker guards sends with a circuit breaker.
func WithCircuitBreaker(config CircuitBreakerConfig) TransportOption {
	return func(t *HTTPTransport) {
		t.breaker = NewCircuitBreaker(config)
	}
}

// WithTracerProvider sets the OpenTelemetry provider used for send spans.
func WithTracerProvider(tp trace.TracerProvider) TransportOption {
	return func(t *HTTPTransport) {
		if tp != nil {
			t.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithTransportMetrics records per-send metrics.
func WithTransportMetrics(collector *MetricsCollector) TransportOption {
	return func(t *HTTPTransport) {
		t.metrics = collector
	}
}

// WithTransportLogger sets the logger for debug output.
func WithTransportLogger(logger Logger) TransportOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRoundTripper replaces the underlying net/http transport, mostly for tests.
func WithRoundTripper(rt http.RoundTripper) TransportOption {
	return func(t *HTTPTransport) {
		t.client = &http.Client{Transport: rt}
	}
}

// NewHTTPTransport builds a pooled HTTP transport from config.
func NewHTTPTransport(config TransportConfig, options ...TransportOption) (*HTTPTransport, error) {
	defaults := DefaultTransportConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.MaxConnsPerHost <= 0 {
		config.MaxConnsPerHost = defaults.MaxConnsPerHost
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	var base *url.URL
	if config.BaseURL != "" {
		u, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse base url %q", config.BaseURL)
		}
		if !u.IsAbs() {
			return nil, errors.Newf("base url %q is not absolute", config.BaseURL)
		}
		base = u
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		ForceAttemptHTTP2:     true,
	}

	t := &HTTPTransport{
		baseURL:         base,
		client:          &http.Client{Transport: rt},
		attemptTimeout:  config.ConnectTimeout + config.ReadTimeout,
		maxBodyBytes:    config.MaxBodyBytes,
		userAgent:       config.UserAgent,
		requestIDHeader: config.RequestIDHeader,
		pool:            semaphore.NewWeighted(int64(config.MaxConcurrent)),
		tracer:          otel.Tracer(tracerName),
		logger:          NopLogger(),
	}
	for _, option := range options {
		option(t)
	}
	return t, nil
}

// Send performs one attempt. The attempt is bounded by ConnectTimeout+ReadTimeout
// independently of ctx's own deadline.
func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = "GET"
	}
	target, err := t.resolve(r)
	if err != nil {
		return nil, &TransportError{Kind: TransportNetwork, Method: method, URL: r.Path, Cause: err}
	}
	endpoint := endpointOf(target)

	ctx, span := t.tracer.Start(ctx, "fetchkit.send "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	fail := func(err *TransportError) (*Response, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(err.Kind))
		t.metrics.RecordTransport(method, endpoint, string(err.Kind), 0)
		return nil, err
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fail(&TransportError{Kind: TransportNetwork, Method: method, URL: target, Cause: err})
	}
	for name, values := range r.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.requestIDHeader != "" && req.Header.Get(t.requestIDHeader) == "" {
		req.Header.Set(t.requestIDHeader, uuid.NewString())
	}
	for _, hook := range t.hooks {
		if err := hook(req); err != nil {
			return fail(classifyTransportError(ctx, method, target, err))
		}
	}

	if t.breaker != nil && !t.breaker.Allow() {
		t.metrics.RecordCircuitBreakerState("default", t.breaker.State())
		return fail(&TransportError{Kind: TransportCircuitOpen, Method: method, URL: target, Cause: ErrCircuitOpen})
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fail(classifyTransportError(ctx, method, target, err))
		}
	}
	if err := t.pool.Acquire(ctx, 1); err != nil {
		return fail(classifyTransportError(ctx, method, target, err))
	}
	defer t.pool.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, t.attemptTimeout)
	defer cancel()
	req = req.WithContext(attemptCtx)

	start := time.Now()
	resp, err := t.executeMiddleware(req)
	if err != nil {
		te := classifyTransportError(ctx, method, target, err)
		if te.Kind != TransportCancelled {
			t.recordBreaker(false)
		}
		t.logger.Debug("Transport send failed", "method", method, "url", target, "kind", string(te.Kind), "error", err.Error())
		return fail(te)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		te := classifyTransportError(ctx, method, target, err)
		if te.Kind != TransportCancelled {
			t.recordBreaker(false)
		}
		return fail(te)
	}
	duration := time.Since(start)
	if int64(len(payload)) > t.maxBodyBytes {
		t.recordBreaker(resp.StatusCode < 500)
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		return fail(&TransportError{
			Kind:   TransportBodyTooLarge,
			Method: method,
			URL:    target,
			Cause:  errors.Wrapf(ErrBodyTooLarge, "limit %d bytes", t.maxBodyBytes),
		})
	}

	t.recordBreaker(resp.StatusCode < 500)
	t.metrics.RecordTransport(method, endpoint, statusLabel(resp.StatusCode), duration)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	t.logger.Debug("Transport send completed", "method", method, "url", target, "status", resp.StatusCode, "duration", duration)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: method, URL: target, Header: resp.Header.Clone(), Body: payload}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
		Duration:   duration,
	}, nil
}

func (t *HTTPTransport) recordBreaker(success bool) {
	if t.breaker == nil {
		return
	}
	if success {
		t.breaker.RecordSuccess()
	} else {
		t.breaker.RecordFailure()
	}
	t.metrics.RecordCircuitBreakerState("default", t.breaker.State())
}

func (t *HTTPTransport) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.client.Do(req)
	}

	current := RoundTripperFunc(t.client.Do)

	for i := len(t.middleware) - 1; i >= 0; i-- {
		middleware := t.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

func (t *HTTPTransport) resolve(r *Request) (string, error) {
	ref, err := url.Parse(r.Path)
	if err != nil {
		return "", err
	}
	var u url.URL
	switch {
	case ref.IsAbs():
		u = *ref
	case t.baseURL != nil:
		u = *t.baseURL
		u.Path = path.Join("/", t.baseURL.Path, ref.Path)
		u.RawQuery = ref.RawQuery
	default:
		return "", errors.Newf("relative path %q without base url", r.Path)
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for name, values := range r.Query {
			for _, v := range values {
				q.Add(name, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// classifyTransportError maps a net/http error to a TransportError. ctx is the
// caller's context: its cancellation or deadline is reported as Cancelled,
// while an expired attempt timeout is reported as Timeout.
func classifyTransportError(ctx context.Context, method, target string, err error) *TransportError {
	kind := TransportNetwork
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		kind = TransportCancelled
	case errors.Is(err, context.Canceled):
		kind = TransportCancelled
	case errors.Is(err, context.DeadlineExceeded):
		kind = TransportTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			kind = TransportTimeout
		} else {
			kind = TransportDNSFailure
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = TransportConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = TransportTimeout
	}
	return &TransportError{Kind: kind, Method: method, URL: target, Cause: err}
}

func endpointOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	var builder strings.Builder
	builder.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		builder.WriteString(u.Path)
	} else {
		builder.WriteByte('/')
	}
	return builder.String()
}

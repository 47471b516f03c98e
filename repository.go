package fetchkit

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MustafaHasria/fetchkit/internal/inflight"
)

// Repository is the entry point for data access. It serves fresh cached
// values, coalesces concurrent fetches of the same key into one transport
// call, retries transient failures and publishes results to its Store.
// It is safe for concurrent use.
type Repository struct {
	transport        Transport
	codec            Codec
	cache            *Cache
	cacheMaxEntries  int
	calls            *inflight.Group[RequestKey]
	store            *Store
	ownsStore        bool
	retry            RetryPolicy
	defaultTTL       time.Duration
	httpCacheHeaders bool
	seq              atomic.Uint64
	metrics          *MetricsCollector
	logger           Logger
	debug            *DebugConfig
	now              func() time.Time
}

// DecodeFunc turns a response body into a value.
type DecodeFunc func(codec Codec, data []byte) (any, error)

// Result is delivered by FetchAsync.
type Result[T any] struct {
	Value T
	Err   error
}

// New builds a Repository on top of transport. The configuration is validated
// after all options are applied.
func New(transport Transport, options ...Option) (*Repository, error) {
	r := &Repository{
		transport:       transport,
		codec:           NewJSONCodec(),
		cacheMaxEntries: 1024,
		calls:           inflight.New[RequestKey](),
		retry:           DefaultRetryPolicy(),
		defaultTTL:      time.Minute,
		logger:          NopLogger(),
		debug:           DefaultDebugConfig(),
		now:             time.Now,
	}

	for _, option := range options {
		option(r)
	}

	if err := r.ValidateConfiguration(); err != nil {
		return nil, err
	}

	r.cache = NewCache(r.cacheMaxEntries)
	r.cache.now = r.now
	if r.store == nil {
		r.store = NewStore(WithStoreMetrics(r.metrics), WithStoreLogger(r.logger, r.debug))
		r.ownsStore = true
	}
	return r, nil
}

// Store returns the store results are published to.
func (r *Repository) Store() *Store {
	return r.store
}

// Close releases the store if the repository created it.
func (r *Repository) Close() {
	if r.ownsStore {
		r.store.Close()
	}
}

// Fetch returns the value for key, decoding a fetched body with decode. A nil
// decode yields the body decoded into an any. Errors are always *FetchError.
func (r *Repository) Fetch(ctx context.Context, key RequestKey, decode DecodeFunc, opts ...FetchOption) (any, error) {
	o := r.fetchOptions(opts)
	if decode == nil {
		decode = decodeAny
	}
	start := time.Now()
	endpoint := key.Endpoint()

	if !o.forceRefresh {
		if entry, ok := r.cache.Get(key); ok {
			r.metrics.RecordCacheHit(endpoint)
			r.metrics.RecordFetch(endpoint, "cache_hit", time.Since(start))
			if r.logs(r.debug.LogCache) {
				r.logger.Debug("Cache hit", "key", key.String(), "age", entry.Age(r.now()))
			}
			return entry.Value, nil
		}
		r.metrics.RecordCacheMiss(endpoint)
		if r.logs(r.debug.LogCache) {
			r.logger.Debug("Cache miss", "key", key.String())
		}
	}

	load := func(callCtx context.Context) (any, error) {
		return r.load(callCtx, key, decode, o)
	}

	var (
		val    any
		err    error
		shared bool
	)
	if o.forceRefresh {
		val, err = r.calls.DoFresh(ctx, key, load)
	} else {
		val, err, shared = r.calls.Do(ctx, key, load)
	}
	if shared {
		r.metrics.RecordDeduplicationHit(endpoint)
		if r.logs(r.debug.LogDedup) {
			r.logger.Debug("Deduplication hit", "key", key.String())
		}
	}

	if err != nil {
		fe := r.asFetchError(key, err)
		r.metrics.RecordFetch(endpoint, string(fe.Kind), time.Since(start))
		return nil, fe
	}
	r.metrics.RecordFetch(endpoint, "success", time.Since(start))
	return val, nil
}

// Fetch is the typed form of Repository.Fetch. The body is decoded into a T.
// When a concurrent caller with a different T owns the shared call, the
// result fails with DecodeFailure.
func Fetch[T any](ctx context.Context, r *Repository, key RequestKey, opts ...FetchOption) (T, error) {
	var zero T
	v, err := r.Fetch(ctx, key, decodeInto[T], opts...)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &FetchError{
			Kind:      FetchDecodeFailure,
			Key:       key.String(),
			Cause:     &DecodeError{Kind: DecodeUnsupportedType, Cause: fmt.Errorf("cached value is %T, want %T", v, zero)},
			Timestamp: time.Now(),
		}
	}
	return typed, nil
}

// FetchAsync runs Fetch[T] on its own goroutine. The channel receives exactly
// one Result and is then closed.
func FetchAsync[T any](ctx context.Context, r *Repository, key RequestKey, opts ...FetchOption) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		v, err := Fetch[T](ctx, r, key, opts...)
		out <- Result[T]{Value: v, Err: err}
	}()
	return out
}

// Execute sends a request that is neither cached nor deduplicated, such as a
// login POST. A non-nil body is encoded with the repository codec unless
// req.Body is already set; a non-nil out receives the decoded response.
// Requests with non-idempotent methods are never retried.
func (r *Repository) Execute(ctx context.Context, req *Request, body, out any, opts ...FetchOption) error {
	o := r.fetchOptions(opts)
	label := req.Method + " " + req.Path
	start := time.Now()

	if body != nil && len(req.Body) == 0 {
		data, err := r.codec.Encode(body)
		if err != nil {
			return &FetchError{Kind: FetchDecodeFailure, Key: label, Cause: err, Timestamp: time.Now()}
		}
		clone := *req
		clone.Body = data
		if clone.ContentType == "" {
			clone.ContentType = r.codec.ContentType()
		}
		req = &clone
	}

	decode := func(codec Codec, data []byte) (any, error) {
		if out == nil || len(data) == 0 {
			return nil, nil
		}
		return nil, codec.Decode(data, out)
	}

	_, _, fe := r.send(ctx, label, req, decode, o.maxRetries)
	endpoint := req.Path
	if fe != nil {
		r.metrics.RecordFetch(endpoint, string(fe.Kind), time.Since(start))
		return fe
	}
	r.metrics.RecordFetch(endpoint, "success", time.Since(start))
	return nil
}

// Invalidate removes the cached value for key. The next Fetch for key
// contacts the transport, and a fetch that started earlier can no longer
// write its result into the cache.
func (r *Repository) Invalidate(key RequestKey) {
	seq := r.seq.Add(1)
	r.cache.DeleteBefore(key, seq)
	r.calls.Forget(key)
	r.metrics.RecordCacheSize(r.cache.Len())
	if r.logs(r.debug.LogCache) {
		r.logger.Debug("Cache invalidated", "key", key.String())
	}
}

// InvalidateAll empties the cache and the store's retained values, e.g. on logout.
func (r *Repository) InvalidateAll() {
	seq := r.seq.Add(1)
	r.cache.ClearBefore(seq)
	r.calls.ForgetAll()
	r.store.reset(seq)
	r.metrics.RecordCacheSize(0)
	if r.logs(r.debug.LogCache) {
		r.logger.Debug("Cache cleared")
	}
}

// load is the shared body of one deduplicated fetch.
func (r *Repository) load(ctx context.Context, key RequestKey, decode DecodeFunc, o fetchOptions) (any, error) {
	if !o.forceRefresh {
		if entry, ok := r.cache.Get(key); ok {
			return entry.Value, nil
		}
	}

	seq := r.seq.Add(1)
	r.metrics.RecordFetchStart()
	defer r.metrics.RecordFetchEnd()

	val, header, fe := r.send(ctx, key.String(), key.Request(), decode, o.maxRetries)
	if fe != nil {
		if fe.Kind != FetchCancelled {
			r.store.publish(key, nil, fe, seq)
		}
		return nil, fe
	}

	ttl := r.defaultTTL
	store := true
	if o.ttl != nil {
		ttl = *o.ttl
	} else if r.httpCacheHeaders {
		if headerTTL, ok, known := ttlFromHeaders(header, r.now()); known {
			ttl, store = headerTTL, ok
		}
	}
	if !store {
		ttl = 0
	}

	entry := &CacheEntry{Value: val, CreatedAt: r.now(), TTL: ttl, Seq: seq}
	if r.cache.Set(key, entry) {
		r.store.publish(key, val, nil, seq)
		if r.logs(r.debug.LogCache) {
			r.logger.Debug("Response cached", "key", key.String(), "ttl", ttl)
		}
	} else if r.logs(r.debug.LogCache) {
		r.logger.Debug("Stale response not cached", "key", key.String(), "seq", seq)
	}
	r.metrics.RecordCacheSize(r.cache.Len())
	return val, nil
}

// send performs req with retries and decodes the successful body.
func (r *Repository) send(ctx context.Context, label string, req *Request, decode DecodeFunc, maxRetries int) (any, http.Header, *FetchError) {
	delays := r.retry.delays()
	endpoint := req.Path
	attempts := 0

	fail := func(kind FetchErrorKind, cause error) (any, http.Header, *FetchError) {
		fe := &FetchError{Kind: kind, Key: label, Attempts: attempts, Cause: cause, Timestamp: time.Now()}
		if r.logs(r.debug.LogRequests) {
			r.logger.Warn("Fetch failed", "key", label, "kind", string(kind), "attempts", attempts, "error", cause.Error())
		}
		return nil, nil, fe
	}

	for {
		attempts++
		if r.logs(r.debug.LogRequests) {
			r.logger.Debug("Sending request", "key", label, "method", req.Method, "attempt", attempts)
		}
		resp, err := r.transport.Send(ctx, req)
		if err == nil {
			val, derr := decode(CodecFor(resp.Header.Get("Content-Type"), r.codec), resp.Body)
			if derr != nil {
				return fail(FetchDecodeFailure, derr)
			}
			return val, resp.Header, nil
		}

		if ctx.Err() != nil {
			return fail(FetchCancelled, errors.CombineErrors(ctx.Err(), err))
		}
		if !IsTransient(err) {
			return fail(classifyFailure(err), err)
		}
		if !IsIdempotent(req.Method) {
			return fail(FetchTransportFailure, err)
		}
		if attempts > maxRetries {
			return fail(FetchRetriesExhausted, err)
		}

		delay := r.retry.retryDelay(err, delays.Next())
		r.metrics.RecordRetry(endpoint, attempts)
		if r.logs(r.debug.LogRetries) {
			r.logger.Info("Scheduling retry", "key", label, "attempt", attempts+1, "backoff", delay, "error", err.Error())
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return fail(FetchCancelled, errors.CombineErrors(serr, err))
		}
	}
}

func classifyFailure(err error) FetchErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return FetchDecodeFailure
	}
	var se *StatusError
	if errors.As(err, &se) {
		return FetchStatusFailure
	}
	var te *TransportError
	if errors.As(err, &te) && te.Kind == TransportCancelled {
		return FetchCancelled
	}
	return FetchTransportFailure
}

// asFetchError converts what the in-flight group returned for one caller.
func (r *Repository) asFetchError(key RequestKey, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchCancelled, Key: key.String(), Cause: err, Timestamp: time.Now()}
	}
	return &FetchError{Kind: FetchTransportFailure, Key: key.String(), Cause: err, Timestamp: time.Now()}
}

func (r *Repository) logs(category bool) bool {
	return r.debug != nil && r.debug.Enabled && category && r.logger != nil
}

func decodeAny(codec Codec, data []byte) (any, error) {
	var v any
	if err := codec.Decode(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeInto[T any](codec Codec, data []byte) (any, error) {
	return DecodeAs[T](codec, data)
}

package fetchkit

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Option configures a Repository.
type Option func(*Repository)

// WithCodec sets the codec for response bodies and Execute request bodies.
func WithCodec(codec Codec) Option {
	return func(r *Repository) {
		r.codec = codec
	}
}

// WithCacheMaxEntries bounds the number of cached values. Zero means unbounded.
func WithCacheMaxEntries(n int) Option {
	return func(r *Repository) {
		r.cacheMaxEntries = n
	}
}

// WithDefaultTTL sets the cache lifetime used when a fetch has no override.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Repository) {
		r.defaultTTL = d
	}
}

// WithHTTPCacheHeaders lets Cache-Control and Expires response headers choose
// the cache lifetime when a fetch has no TTL override.
func WithHTTPCacheHeaders() Option {
	return func(r *Repository) {
		r.httpCacheHeaders = true
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(r *Repository) {
		r.retry = policy
	}
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(r *Repository) {
		r.retry.MaxRetries = n
	}
}

// WithBackoff sets the first retry delay and the ceiling on any delay.
func WithBackoff(base, limit time.Duration) Option {
	return func(r *Repository) {
		r.retry.Base = base
		r.retry.Cap = limit
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(r *Repository) {
		r.retry.Multiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(r *Repository) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		r.retry.Jitter = f
	}
}

// WithBackoffStrategy sets how retry delays grow.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(r *Repository) {
		r.retry.Strategy = strategy
	}
}

// WithStore publishes into an existing store instead of a private one. The
// repository does not close a store it was given.
func WithStore(store *Store) Option {
	return func(r *Repository) {
		r.store = store
	}
}

// WithMetrics enables Prometheus metrics collection on the default registerer
func WithMetrics() Option {
	return func(r *Repository) {
		r.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(r *Repository) {
		r.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(r *Repository) {
		if r.debug == nil {
			r.debug = DefaultDebugConfig()
		}
		r.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(r *Repository) {
		r.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(r *Repository) {
		if r.debug == nil {
			r.debug = DefaultDebugConfig()
		}
		r.debug.Enabled = true
		r.logger = NewSimpleLogger()
	}
}

// FetchOption adjusts a single Fetch or Execute call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	forceRefresh bool
	ttl          *time.Duration
	maxRetries   int
}

// WithForceRefresh skips the cache and starts a new transport call even if
// one is already in flight for the key. Later callers attach to the new call.
func WithForceRefresh() FetchOption {
	return func(o *fetchOptions) {
		o.forceRefresh = true
	}
}

// WithTTL caches this call's result for d instead of the default lifetime.
func WithTTL(d time.Duration) FetchOption {
	return func(o *fetchOptions) {
		o.ttl = &d
	}
}

// WithRetries overrides the retry ceiling for this call.
func WithRetries(n int) FetchOption {
	return func(o *fetchOptions) {
		if n < 0 {
			n = 0
		}
		o.maxRetries = n
	}
}

func (r *Repository) fetchOptions(opts []FetchOption) fetchOptions {
	o := fetchOptions{maxRetries: r.retry.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ValidateConfiguration validates the repository configuration and returns an error if invalid
func (r *Repository) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, r.validateCore()...)
	problems = append(problems, r.validateRetryConfig()...)
	problems = append(problems, r.validateCacheConfig()...)
	problems = append(problems, r.validateDebugConfig()...)
	problems = append(problems, r.validateExtremeValues()...)

	if len(problems) > 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func (r *Repository) validateCore() []string {
	var problems []string

	if r.transport == nil {
		problems = append(problems, ErrNilTransport.Error())
	}
	if r.codec == nil {
		problems = append(problems, "codec cannot be nil")
	}

	return problems
}

// validateRetryConfig validates retry-related configuration
func (r *Repository) validateRetryConfig() []string {
	var problems []string

	if r.retry.MaxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if r.retry.Base <= 0 {
		problems = append(problems, "backoff base must be positive")
	}
	if r.retry.Cap < r.retry.Base {
		problems = append(problems, "backoff cap must be greater than or equal to base")
	}
	if r.retry.Multiplier <= 1 {
		problems = append(problems, "backoffMultiplier must be greater than 1")
	}
	if r.retry.Jitter < 0 || r.retry.Jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}

	return problems
}

// validateCacheConfig validates cache configuration
func (r *Repository) validateCacheConfig() []string {
	var problems []string

	if r.defaultTTL < 0 {
		problems = append(problems, "defaultTTL must be non-negative")
	}
	if r.cacheMaxEntries < 0 {
		problems = append(problems, "cacheMaxEntries must be non-negative")
	}

	return problems
}

// validateDebugConfig validates debug configuration
func (r *Repository) validateDebugConfig() []string {
	var problems []string

	if r.debug == nil {
		problems = append(problems, "debug config cannot be nil")
	} else if r.debug.Enabled && r.logger == nil {
		problems = append(problems, "logger must be set when debug is enabled")
	}

	return problems
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (r *Repository) validateExtremeValues() []string {
	var problems []string

	if r.retry.MaxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}
	if r.retry.Cap > time.Hour {
		problems = append(problems, "backoff cap > 1h may cause extremely long delays")
	}
	if r.defaultTTL > 24*time.Hour {
		problems = append(problems, "defaultTTL > 24h may cause stale data issues")
	}

	return problems
}

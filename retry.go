package fetchkit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MustafaHasria/fetchkit/internal/backoff"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the delay each attempt and adds jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws each delay from [base, previous*3].
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64
	Strategy   BackoffStrategy
	// RespectRetryAfter uses a 429/503 Retry-After header, capped at Cap, instead of the computed delay.
	RespectRetryAfter bool
}

// DefaultRetryPolicy returns 3 retries starting at 200ms, capped at 5s, with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		Base:              200 * time.Millisecond,
		Cap:               5 * time.Second,
		Multiplier:        2,
		Jitter:            0.2,
		Strategy:          ExponentialJitter,
		RespectRetryAfter: true,
	}
}

func (p RetryPolicy) delays() *backoff.Sequence {
	var strategy backoff.Strategy = backoff.Exponential{}
	if p.Strategy == DecorrelatedJitter {
		strategy = backoff.Decorrelated{}
	}
	return backoff.NewSequence(strategy, backoff.Params{
		Base:       p.Base,
		Cap:        p.Cap,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
	})
}

// retryDelay returns the delay for err given the computed backoff, honouring
// Retry-After when enabled.
func (p RetryPolicy) retryDelay(err error, computed time.Duration) time.Duration {
	if !p.RespectRetryAfter {
		return computed
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Header == nil {
		return computed
	}
	if se.StatusCode != http.StatusTooManyRequests && se.StatusCode != http.StatusServiceUnavailable {
		return computed
	}
	if d := parseRetryAfter(se.Header.Get("Retry-After")); d > 0 {
		if p.Cap > 0 && d > p.Cap {
			return p.Cap
		}
		return d
	}
	return computed
}

// IsIdempotent reports whether a request with method may be sent again.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value.
// It supports both delay-seconds format and HTTP-date format.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > time.Hour {
			delay = time.Hour
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= time.Hour {
			return delay
		}
	}

	return 0
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package backoff computes retry delays.
package backoff

import (
	"math/rand"
	"time"
)

// Params describes the delay curve. Multiplier <= 1 is treated as 2.
// Jitter is the fraction of each delay added at random, clamped to [0, 1].
type Params struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy returns the delay before retry number attempt (0 for the first
// retry). prev is the delay returned for the previous attempt, or 0.
type Strategy interface {
	Delay(attempt int, prev time.Duration, p Params) time.Duration
}

// Exponential waits Base * Multiplier^attempt capped at Cap, plus up to
// Jitter of that amount, never exceeding Cap.
type Exponential struct{}

func (Exponential) Delay(attempt int, _ time.Duration, p Params) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(p.Base) * pow(p.Multiplier, attempt))
	if delay < 0 || delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.Jitter * rand.Float64())
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	return delay
}

// Decorrelated picks uniformly between Base and min(Cap, prev*3).
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type Decorrelated struct{}

func (Decorrelated) Delay(attempt int, prev time.Duration, p Params) time.Duration {
	p = p.normalized()
	if attempt <= 0 || prev <= 0 {
		return p.Base
	}

	upper := prev * 3
	if upper < 0 || upper > p.Cap {
		upper = p.Cap
	}
	if upper <= p.Base {
		return upper
	}
	return p.Base + time.Duration(rand.Int63n(int64(upper-p.Base)))
}

// Sequence yields successive delays for one operation.
type Sequence struct {
	strategy Strategy
	params   Params
	attempt  int
	prev     time.Duration
}

// NewSequence starts a delay sequence. A nil strategy means Exponential.
func NewSequence(strategy Strategy, p Params) *Sequence {
	if strategy == nil {
		strategy = Exponential{}
	}
	return &Sequence{strategy: strategy, params: p}
}

// Next returns the next delay.
func (s *Sequence) Next() time.Duration {
	d := s.strategy.Delay(s.attempt, s.prev, s.params)
	s.attempt++
	s.prev = d
	return d
}

// Attempt is the number of delays handed out so far.
func (s *Sequence) Attempt() int {
	return s.attempt
}

func (p Params) normalized() Params {
	if p.Base <= 0 {
		p.Base = time.Millisecond
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

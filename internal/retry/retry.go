// Package retry implements the exponential backoff policy applied to failed
// mutations.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Defaults for Policy.
const (
	DefaultBase       = 1000 * time.Millisecond
	DefaultMax        = 60000 * time.Millisecond
	DefaultMaxRetries = 5
)

// Policy maps a retry count to a delay and a give-up decision.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps every delay, jitter included.
	Max time.Duration

	// MaxRetries is the retry budget. A mutation that has failed this many
	// times is terminally failed.
	MaxRetries int

	// JitterFactor spreads delays by up to ±JitterFactor of the computed
	// delay (0 disables jitter, values are clamped to 1).
	JitterFactor float64

	// rand returns a value in [0, 1). Overridden in tests.
	rand func() float64
}

// DefaultPolicy returns the documented defaults: 1s base, 60s cap, 5 retries,
// no jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:       DefaultBase,
		Max:        DefaultMax,
		MaxRetries: DefaultMaxRetries,
	}
}

// WithRand returns a copy of p that draws jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay returns min(Max, Base * 2^retryCount), jittered when enabled.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(p.Base) * math.Pow(2, float64(retryCount))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.JitterFactor > 0 {
		factor := math.Min(p.JitterFactor, 1)
		rnd := p.rand
		if rnd == nil {
			//nolint:gosec // jitter is not security sensitive
			rnd = rand.Float64
		}
		delay += delay * factor * (2*rnd() - 1)
		if delay < 0 {
			delay = 0
		}
		if delay > float64(p.Max) {
			delay = float64(p.Max)
		}
	}

	return time.Duration(delay)
}

// ShouldGiveUp reports whether retryCount has exhausted the budget.
func (p Policy) ShouldGiveUp(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Delay is the pure form of Policy.Delay without jitter.
func Delay(retryCount int, base, max time.Duration) time.Duration {
	return Policy{Base: base, Max: max}.Delay(retryCount)
}

// ShouldGiveUp is the pure form of Policy.ShouldGiveUp.
func ShouldGiveUp(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}

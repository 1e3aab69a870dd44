// Package retry provides the backoff policy used by the reliable
// router: a pure mapping from attempt number to delay, and from
// attempt count to a retry/give-up decision.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	Fixed             Strategy = "fixed"
	Linear            Strategy = "linear"
	Exponential       Strategy = "exponential"
	ExponentialJitter Strategy = "exponential_jitter"
)

// Policy is a retry/backoff configuration. It is a value object: the
// only state it carries is the optional jitter source.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Strategy     Strategy
	JitterFactor float64
	Multiplier   float64

	// Rand supplies the jitter draw. Nil falls back to the shared
	// source; tests inject a seeded one for reproducibility.
	Rand *rand.Rand
}

// Default returns the standard policy: 3 attempts, 1s base delay,
// jittered exponential backoff capped at 60s.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     60 * time.Second,
		Strategy:     ExponentialJitter,
		JitterFactor: 0.1,
		Multiplier:   2.0,
	}
}

// Aggressive retries fast and often: 5 attempts from a 100ms base.
func Aggressive() Policy {
	p := Default()
	p.MaxAttempts = 5
	p.BaseDelay = 100 * time.Millisecond
	p.MaxDelay = 5 * time.Second
	p.Multiplier = 1.5
	return p
}

// Conservative retries slowly: 3 attempts from a 2s base, 3x growth.
func Conservative() Policy {
	p := Default()
	p.BaseDelay = 2 * time.Second
	p.MaxDelay = 120 * time.Second
	p.Multiplier = 3.0
	return p
}

// FixedDelay waits the same delay between every attempt.
func FixedDelay(delay time.Duration, maxAttempts int) Policy {
	p := Default()
	p.MaxAttempts = maxAttempts
	p.BaseDelay = delay
	p.MaxDelay = delay
	p.Strategy = Fixed
	return p
}

// NoRetry sends once and gives up.
func NoRetry() Policy {
	p := Default()
	p.MaxAttempts = 1
	return p
}

// Backoff returns the delay before the retry following the given
// attempt (1-based). Attempts at or below zero yield no delay. The
// result is capped at MaxDelay and never negative.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var delay float64
	base := p.BaseDelay.Seconds()
	switch p.Strategy {
	case Fixed:
		delay = base
	case Linear:
		delay = base * float64(attempt)
	case Exponential:
		delay = base * math.Pow(p.Multiplier, float64(attempt-1))
	case ExponentialJitter:
		exp := base * math.Pow(p.Multiplier, float64(attempt-1))
		delay = exp + exp*p.JitterFactor*(2*p.random()-1)
	default:
		delay = base
	}

	if max := p.MaxDelay.Seconds(); delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}

// ShouldRetry reports whether another attempt is allowed after the
// given attempt count.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// TotalTimeout sums the backoff across all attempts: the worst-case
// wait before the policy gives up.
func (p Policy) TotalTimeout() time.Duration {
	var total time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		total += p.Backoff(attempt)
	}
	return total
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}

func (p Policy) String() string {
	return fmt.Sprintf("Policy(attempts=%d, strategy=%s, base=%s)", p.MaxAttempts, p.Strategy, p.BaseDelay)
}

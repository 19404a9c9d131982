package runner

import (
	"math"
	"time"
)

// RetryStrategy decides the delay between attempts.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt.
	// The attempt index starts at 0.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy grows the delay by Factor per attempt, capped at Max.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   10 * time.Millisecond,
//	    Factor: 2,
//	    Max:    500 * time.Millisecond,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && time.Duration(delay) > e.Max {
		return e.Max
	}
	return time.Duration(delay)
}

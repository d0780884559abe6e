package runner

import (
	"math"
	"time"
)

// RetryStrategy yields the wait before attempt number attempt+1. Attempts are
// zero based.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of asking a strategy about one failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can also refuse a retry.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision. Strategies that only know delays
// always retry.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(int, error) time.Duration { return 0 }

// ExponentialBackoffStrategy waits Base * Factor^attempt, capped at Max when
// Max is positive.
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
	if factor < 1 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 0)) {
		return e.Max
	}
	return time.Duration(delay)
}

// BoundedStrategy stops retrying after MaxAttempts failures, or as soon as
// Retryable rejects an error. A zero MaxAttempts never gives up.
type BoundedStrategy struct {
	Strategy    RetryStrategy
	MaxAttempts int
	Retryable   func(error) bool
}

func (b BoundedStrategy) SleepDuration(attempt int, err error) time.Duration {
	if b.Strategy == nil {
		return 0
	}
	return b.Strategy.SleepDuration(attempt, err)
}

func (b BoundedStrategy) DecideRetry(attempt int, err error) RetryDecision {
	if b.Retryable != nil && err != nil && !b.Retryable(err) {
		return RetryDecision{Metadata: map[string]any{"reason": "not_retryable"}}
	}
	if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
		return RetryDecision{Metadata: map[string]any{"reason": "attempts_exhausted", "max_attempts": b.MaxAttempts}}
	}
	return RetryDecision{ShouldRetry: true, Delay: b.SleepDuration(attempt, err)}
}

package errors

import (
	"math"
	"math/rand"
	"time"
)

// CalculateDelay computes the backoff delay before retry attempt n:
// delay = initial * multiplier^n, capped at the policy maximum.
func CalculateDelay(attempt int, policy *RetryPolicy) time.Duration {
	if policy == nil {
		return 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	factor := math.Pow(multiplier, float64(attempt))
	delay := time.Duration(float64(policy.InitialDelay) * factor)

	return capDelay(delay, policy.MaxDelay)
}

func capDelay(delay, maxDelay time.Duration) time.Duration {
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// AddJitter spreads retries of independent actions apart by randomizing the
// delay within ±jitterPercent of its value.
func AddJitter(delay time.Duration, jitterPercent float64) time.Duration {
	if jitterPercent <= 0 {
		return delay
	}

	jitterRange := float64(delay) * jitterPercent
	offset := (rand.Float64()*2 - 1) * jitterRange
	jittered := time.Duration(float64(delay) + offset)

	return ensurePositiveDelay(jittered)
}

func ensurePositiveDelay(delay time.Duration) time.Duration {
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

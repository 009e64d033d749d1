package errors

import (
	"context"
	"time"
)

// RetryPolicy defines the retry behavior for one failure class.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts (0 means no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the starting backoff duration.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum backoff duration.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64 `yaml:"multiplier"`

	// JitterPercent is the jitter percentage (default: 0.1 for 10%).
	JitterPercent float64 `yaml:"jitter_percent"`
}

// DefaultRetryPolicies returns the default retry policies per failure class.
// Permission and business failures carry a zero budget: their outcome cannot
// change, so they route straight to the dead-letter store.
func DefaultRetryPolicies() map[FailureClass]*RetryPolicy {
	return map[FailureClass]*RetryPolicy{
		ClassNetwork: {
			MaxAttempts:   5,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			JitterPercent: 0.1,
		},
		ClassTimeout: {
			MaxAttempts:   5,
			InitialDelay:  1 * time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			JitterPercent: 0.1,
		},
		ClassUnknown: {
			MaxAttempts:   3,
			InitialDelay:  1 * time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			JitterPercent: 0.1,
		},
		ClassPermission: noRetryPolicy(),
		ClassBusiness:   noRetryPolicy(),
	}
}

func noRetryPolicy() *RetryPolicy {
	return &RetryPolicy{}
}

// GetRetryPolicy returns the retry policy for a failure class.
func GetRetryPolicy(class FailureClass) *RetryPolicy {
	if policy, ok := DefaultRetryPolicies()[class]; ok {
		return policy
	}
	return noRetryPolicy()
}

// NextDelay computes the jittered backoff delay before the given retry
// attempt for an error's class. Used by callers that schedule retries rather
// than blocking on them.
func NextDelay(err error, attempt int) time.Duration {
	policy := GetRetryPolicy(GetClass(err))
	return AddJitter(CalculateDelay(attempt, policy), policy.JitterPercent)
}

// RetryExecutor runs operations inline with retry based on failure class.
type RetryExecutor struct {
	policies map[FailureClass]*RetryPolicy
}

// NewRetryExecutor creates a RetryExecutor; nil policies select the defaults.
func NewRetryExecutor(policies map[FailureClass]*RetryPolicy) *RetryExecutor {
	if policies == nil {
		policies = DefaultRetryPolicies()
	}
	return &RetryExecutor{policies: policies}
}

// Execute runs fn with the retry budget of the given class, returning the
// last error if all attempts fail.
func (e *RetryExecutor) Execute(ctx context.Context, class FailureClass, fn func() error) error {
	policy := e.getPolicy(class)
	if policy.MaxAttempts <= 0 {
		return fn()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			return lastErr
		}

		delay := AddJitter(CalculateDelay(attempt, policy), policy.JitterPercent)
		if err := waitBeforeRetry(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

func (e *RetryExecutor) getPolicy(class FailureClass) *RetryPolicy {
	if policy, ok := e.policies[class]; ok {
		return policy
	}
	return noRetryPolicy()
}

func waitBeforeRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

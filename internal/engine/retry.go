package engine

import (
	"context"
	"time"
)

// RetryPolicy drives the error handler "retry" recovery: the failed source
// node is re-executed up to MaxRetries times with backoff between attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    string // constant | linear | exponential
	Delay      time.Duration
	MaxDelay   time.Duration
}

// RetryPolicyFromConfig reads a policy from an error handler node config.
func RetryPolicyFromConfig(cfg map[string]any) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: 3,
		Backoff:    "constant",
		Delay:      100 * time.Millisecond,
	}
	if cfg == nil {
		return p
	}
	if n, ok := cfg["max_retries"]; ok {
		switch v := n.(type) {
		case int:
			p.MaxRetries = v
		case float64:
			p.MaxRetries = int(v)
		}
	}
	if b, ok := cfg["backoff"].(string); ok && b != "" {
		p.Backoff = b
	}
	if d, ok := cfg["delay"].(string); ok {
		if parsed, err := time.ParseDuration(d); err == nil {
			p.Delay = parsed
		}
	}
	if d, ok := cfg["max_delay"].(string); ok {
		if parsed, err := time.ParseDuration(d); err == nil {
			p.MaxDelay = parsed
		}
	}
	return p
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = policy.Delay * multiplier
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // constant
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early when ctx is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

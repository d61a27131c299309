package retry

import "time"

// Strategy selects how the delay between attempts grows.
type Strategy int

const (
	// StrategyExponential doubles the base delay each attempt.
	StrategyExponential Strategy = iota
	// StrategyLinear grows the delay linearly with the attempt number.
	StrategyLinear
	// StrategyFixed waits the base delay every time.
	StrategyFixed
)

func (s Strategy) String() string {
	switch s {
	case StrategyLinear:
		return "linear"
	case StrategyFixed:
		return "fixed"
	default:
		return "exponential"
	}
}

// Policy controls retries for one action. Policies are immutable once loaded.
type Policy struct {
	MaxRetries int
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

// DefaultPolicy applies to actions without an explicit policy.
var DefaultPolicy = Policy{
	MaxRetries: 2,
	Strategy:   StrategyExponential,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
	Timeout:    30 * time.Second,
}

// DefaultPolicies returns the per-action retry policies for the
// central-system-initiated commands.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"RemoteStartTransaction": {
			MaxRetries: 3,
			Strategy:   StrategyExponential,
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
			Timeout:    30 * time.Second,
		},
		"RemoteStopTransaction": {
			MaxRetries: 3,
			Strategy:   StrategyExponential,
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
			Timeout:    30 * time.Second,
		},
		"Reset": {
			MaxRetries: 2,
			Strategy:   StrategyFixed,
			BaseDelay:  5 * time.Second,
			MaxDelay:   60 * time.Second,
			Timeout:    60 * time.Second,
		},
		"UnlockConnector": {
			MaxRetries: 2,
			Strategy:   StrategyLinear,
			BaseDelay:  3 * time.Second,
			MaxDelay:   15 * time.Second,
			Timeout:    20 * time.Second,
		},
	}
}

// Backoff computes the delay before the retry following the given attempt
// (attempt is zero-based), clamped to max.
func Backoff(strategy Strategy, attempt int, base, max time.Duration) time.Duration {
	var delay time.Duration
	switch strategy {
	case StrategyExponential:
		delay = base << uint(attempt)
		if delay <= 0 { // shift overflow
			delay = max
		}
	case StrategyLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if delay > max {
		return max
	}
	return delay
}

// Package retry wraps central-system-initiated operations with policy-driven
// retry, backoff and timeout, and derives per-pile health from the observed
// success/failure statistics.
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

// Operation is a single attempt of an asynchronous operation. The context
// carries the policy's per-attempt timeout.
type Operation func(ctx context.Context) (interface{}, error)

// Coordinator executes operations under per-action retry policies and
// records the outcomes into a health tracker.
type Coordinator struct {
	policies map[string]Policy
	fallback Policy
	health   *HealthTracker

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator with the given per-action policies.
// Actions without a policy use DefaultPolicy.
func NewCoordinator(policies map[string]Policy) *Coordinator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Coordinator{
		policies: policies,
		fallback: DefaultPolicy,
		health:   NewHealthTracker(),
		sleep:    sleepCtx,
	}
}

// Health returns the tracker the coordinator records outcomes into. The
// connection pool shares it so transport failures count against pile health.
func (c *Coordinator) Health() *HealthTracker {
	return c.health
}

// Policy returns the retry policy for an action.
func (c *Coordinator) Policy(action string) Policy {
	if p, ok := c.policies[action]; ok {
		return p
	}
	return c.fallback
}

// ExecuteWithRetry runs op under the action's policy. Each attempt is
// bounded by the policy timeout. Terminal failures (validation, format,
// unsupported) abort immediately; retryable failures are recorded and
// retried after a backoff delay until the attempt budget is exhausted, at
// which point the last failure is returned.
func (c *Coordinator) ExecuteWithRetry(ctx context.Context, action, pileID string, op Operation) (interface{}, error) {
	policy := c.Policy(action)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		result, err := op(attemptCtx)
		cancel()

		if err == nil {
			c.health.RecordSuccess(pileID, action, attempt+1)
			return result, nil
		}

		lastErr = err
		kind := ocpperr.KindOf(err)
		c.health.RecordError(pileID, action, kind)

		if !kind.Retryable() {
			logrus.WithFields(logrus.Fields{
				"pileID": pileID,
				"action": action,
				"kind":   kind.String(),
			}).WithError(err).Error("Operation failed terminally")
			return nil, err
		}

		logrus.WithFields(logrus.Fields{
			"pileID":  pileID,
			"action":  action,
			"kind":    kind.String(),
			"attempt": attempt + 1,
			"of":      policy.MaxRetries + 1,
		}).WithError(err).Warn("Operation attempt failed")

		if attempt < policy.MaxRetries {
			delay := Backoff(policy.Strategy, attempt, policy.BaseDelay, policy.MaxDelay)
			if err := c.sleep(ctx, delay); err != nil {
				// Cancelled mid-backoff: surface the failure, never hang.
				return nil, lastErr
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"pileID":   pileID,
		"action":   action,
		"attempts": policy.MaxRetries + 1,
	}).Error("Operation failed after all retries")
	return nil, lastErr
}

// PileHealth aggregates success/error counts across all actions for a pile.
func (c *Coordinator) PileHealth(pileID string) Health {
	return c.health.PileHealth(pileID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

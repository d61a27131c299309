package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

func newTestCoordinator(policies map[string]Policy) (*Coordinator, *[]time.Duration) {
	c := NewCoordinator(policies)
	delays := &[]time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return c, delays
}

func TestBackoffExponential(t *testing.T) {
	base := 1 * time.Second
	max := 10 * time.Second

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for attempt, expected := range want {
		got := Backoff(StrategyExponential, attempt, base, max)
		if got != expected {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffLinear(t *testing.T) {
	base := 3 * time.Second
	max := 15 * time.Second

	want := []time.Duration{3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second, 15 * time.Second}
	for attempt, expected := range want {
		got := Backoff(StrategyLinear, attempt, base, max)
		if got != expected {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoffFixed(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		got := Backoff(StrategyFixed, attempt, 5*time.Second, 60*time.Second)
		if got != 5*time.Second {
			t.Errorf("attempt %d: got %v, want 5s", attempt, got)
		}
	}
}

func TestBackoffOverflowClamps(t *testing.T) {
	got := Backoff(StrategyExponential, 80, time.Second, 30*time.Second)
	if got != 30*time.Second {
		t.Errorf("got %v, want clamp to 30s", got)
	}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	c, delays := newTestCoordinator(nil)

	calls := 0
	result, err := c.ExecuteWithRetry(context.Background(), "Reset", "pile-1", func(ctx context.Context) (interface{}, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("got result %v, want ok", result)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times on immediate success", len(*delays))
	}
}

func TestExecuteValidationErrorNotRetried(t *testing.T) {
	c, _ := newTestCoordinator(nil)

	calls := 0
	_, err := c.ExecuteWithRetry(context.Background(), "Reset", "pile-1", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, ocpperr.New(ocpperr.KindValidation, "Reset", "bad reset type")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("validation error retried: got %d calls, want 1", calls)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	policies := map[string]Policy{
		"RemoteStartTransaction": {
			MaxRetries: 3,
			Strategy:   StrategyExponential,
			BaseDelay:  2 * time.Second,
			MaxDelay:   30 * time.Second,
			Timeout:    30 * time.Second,
		},
	}
	c, delays := newTestCoordinator(policies)

	calls := 0
	result, err := c.ExecuteWithRetry(context.Background(), "RemoteStartTransaction", "pile-1", func(ctx context.Context) (interface{}, error) {
		calls++
		if calls <= 3 {
			return nil, ocpperr.New(ocpperr.KindCommunication, "RemoteStartTransaction", "link down")
		}
		return "started", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "started" {
		t.Errorf("got result %v", result)
	}
	if calls != 4 {
		t.Errorf("got %d calls, want 4", calls)
	}

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(*delays) != len(wantDelays) {
		t.Fatalf("got %d delays, want %d", len(*delays), len(wantDelays))
	}
	for i, want := range wantDelays {
		if (*delays)[i] != want {
			t.Errorf("delay %d: got %v, want %v", i, (*delays)[i], want)
		}
	}

	health := c.PileHealth("pile-1")
	if health.Status != StatusCritical {
		// 1 success, 3 errors: 25% success rate.
		t.Errorf("got status %s, want critical", health.Status)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	policies := map[string]Policy{
		"Reset": {MaxRetries: 2, Strategy: StrategyFixed, BaseDelay: time.Second, MaxDelay: time.Minute, Timeout: time.Minute},
	}
	c, _ := newTestCoordinator(policies)

	calls := 0
	lastErr := ocpperr.New(ocpperr.KindTimeout, "Reset", "no response")
	_, err := c.ExecuteWithRetry(context.Background(), "Reset", "pile-1", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, lastErr
	})
	if !errors.Is(err, lastErr) {
		t.Errorf("got error %v, want last failure", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want maxRetries+1 = 3", calls)
	}
}

func TestExecuteUnknownActionUsesDefaultPolicy(t *testing.T) {
	c, _ := newTestCoordinator(map[string]Policy{})

	p := c.Policy("SomethingNew")
	if p != DefaultPolicy {
		t.Errorf("got %+v, want default policy", p)
	}
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	c := NewCoordinator(nil)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	calls := 0
	_, err := c.ExecuteWithRetry(context.Background(), "Reset", "pile-1", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, ocpperr.New(ocpperr.KindCommunication, "Reset", "link down")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestHealthClassification(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		want      HealthStatus
	}{
		{"no samples", 0, 0, StatusUnknown},
		{"all good", 20, 0, StatusHealthy},
		{"exactly 95 percent", 19, 1, StatusHealthy},
		{"warning band", 17, 3, StatusWarning},
		{"exactly 80 percent", 16, 4, StatusWarning},
		{"critical", 10, 10, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewHealthTracker()
			for i := 0; i < tt.successes; i++ {
				tracker.RecordSuccess("pile-1", "Reset", 1)
			}
			for i := 0; i < tt.errors; i++ {
				tracker.RecordError("pile-1", "Reset", ocpperr.KindTimeout)
			}

			health := tracker.PileHealth("pile-1")
			if health.Status != tt.want {
				t.Errorf("got %s, want %s", health.Status, tt.want)
			}
			if health.TotalOperations != tt.successes+tt.errors {
				t.Errorf("got %d operations, want %d", health.TotalOperations, tt.successes+tt.errors)
			}
		})
	}
}

func TestHealthIsolatedPerPile(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.RecordError("pile-1", "Reset", ocpperr.KindCommunication)
	tracker.RecordSuccess("pile-2", "Reset", 1)

	if got := tracker.PileHealth("pile-2").Status; got != StatusHealthy {
		t.Errorf("pile-2 affected by pile-1 errors: %s", got)
	}
	if got := tracker.PileHealth("pile-1").Status; got != StatusCritical {
		t.Errorf("pile-1 got %s, want critical", got)
	}
}

func TestHealthErrorKinds(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.RecordError("pile-1", "Reset", ocpperr.KindTimeout)
	tracker.RecordError("pile-1", "Reset", ocpperr.KindTimeout)
	tracker.RecordError("pile-1", "Reset", ocpperr.KindCommunication)

	health := tracker.PileHealth("pile-1")
	action := health.Actions["Reset"]
	if action.ErrorKinds["TimeoutError"] != 2 {
		t.Errorf("got %d timeout errors, want 2", action.ErrorKinds["TimeoutError"])
	}
	if action.ErrorKinds["CommunicationError"] != 1 {
		t.Errorf("got %d communication errors, want 1", action.ErrorKinds["CommunicationError"])
	}
}

func TestHealthPrune(t *testing.T) {
	tracker := NewHealthTracker()
	now := time.Now()
	tracker.now = func() time.Time { return now.Add(-2 * time.Hour) }
	tracker.RecordSuccess("pile-1", "Reset", 1)
	tracker.now = func() time.Time { return now }
	tracker.RecordSuccess("pile-2", "Reset", 1)

	removed := tracker.Prune(time.Hour)
	if removed != 1 {
		t.Fatalf("got %d removed, want 1", removed)
	}
	if tracker.PileHealth("pile-1").Status != StatusUnknown {
		t.Error("stale pile-1 record survived prune")
	}
	if tracker.PileHealth("pile-2").Status != StatusHealthy {
		t.Error("fresh pile-2 record pruned")
	}
}

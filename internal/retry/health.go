package retry

import (
	"sync"
	"time"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

// HealthStatus is the three-level classification derived from success rates.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"  // success rate >= 95%
	StatusWarning  HealthStatus = "warning"  // success rate >= 80%
	StatusCritical HealthStatus = "critical" // success rate < 80%
	StatusUnknown  HealthStatus = "unknown"  // no samples
)

// Health is a read-only aggregate over a pile's operation statistics.
type Health struct {
	PileID          string                  `json:"pileId"`
	Status          HealthStatus            `json:"status"`
	SuccessRate     float64                 `json:"successRate"`
	TotalOperations int                     `json:"totalOperations"`
	Actions         map[string]ActionHealth `json:"actions,omitempty"`
}

// ActionHealth is the per-(pile,action) statistics snapshot.
type ActionHealth struct {
	SuccessCount  int            `json:"successCount"`
	ErrorCount    int            `json:"errorCount"`
	TotalAttempts int            `json:"totalAttempts"`
	LastSuccess   time.Time      `json:"lastSuccess,omitempty"`
	LastError     time.Time      `json:"lastError,omitempty"`
	ErrorKinds    map[string]int `json:"errorKinds,omitempty"`
}

type actionStats struct {
	successCount  int
	errorCount    int
	totalAttempts int
	lastSuccess   time.Time
	lastError     time.Time
	errorKinds    map[string]int
}

type statKey struct {
	pileID string
	action string
}

// HealthTracker accumulates per-(pile,action) success and error counters.
// All methods are safe for concurrent use.
type HealthTracker struct {
	mu    sync.Mutex
	stats map[statKey]*actionStats
	now   func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		stats: make(map[statKey]*actionStats),
		now:   time.Now,
	}
}

func (t *HealthTracker) get(pileID, action string) *actionStats {
	key := statKey{pileID: pileID, action: action}
	s, ok := t.stats[key]
	if !ok {
		s = &actionStats{errorKinds: make(map[string]int)}
		t.stats[key] = s
	}
	return s
}

// RecordSuccess records a successful operation and how many attempts it took.
func (t *HealthTracker) RecordSuccess(pileID, action string, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(pileID, action)
	s.successCount++
	s.totalAttempts += attempts
	s.lastSuccess = t.now()
}

// RecordError records a classified failure.
func (t *HealthTracker) RecordError(pileID, action string, kind ocpperr.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(pileID, action)
	s.errorCount++
	s.totalAttempts++
	s.lastError = t.now()
	s.errorKinds[kind.String()]++
}

// PileHealth aggregates all actions for a pile into one classification.
// Read-only and side-effect-free.
func (t *HealthTracker) PileHealth(pileID string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	health := Health{
		PileID:  pileID,
		Status:  StatusUnknown,
		Actions: make(map[string]ActionHealth),
	}

	var success, errors int
	for key, s := range t.stats {
		if key.pileID != pileID {
			continue
		}
		success += s.successCount
		errors += s.errorCount

		kinds := make(map[string]int, len(s.errorKinds))
		for k, n := range s.errorKinds {
			kinds[k] = n
		}
		health.Actions[key.action] = ActionHealth{
			SuccessCount:  s.successCount,
			ErrorCount:    s.errorCount,
			TotalAttempts: s.totalAttempts,
			LastSuccess:   s.lastSuccess,
			LastError:     s.lastError,
			ErrorKinds:    kinds,
		}
	}

	total := success + errors
	health.TotalOperations = total
	if total == 0 {
		return health
	}

	health.SuccessRate = float64(success) / float64(total)
	switch {
	case health.SuccessRate >= 0.95:
		health.Status = StatusHealthy
	case health.SuccessRate >= 0.80:
		health.Status = StatusWarning
	default:
		health.Status = StatusCritical
	}
	return health
}

// Totals returns fleet-wide operation and error counts.
func (t *HealthTracker) Totals() (operations, errors int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.stats {
		operations += s.successCount + s.errorCount
		errors += s.errorCount
	}
	return operations, errors
}

// Prune drops records whose last activity is older than the retention
// window and returns how many were removed.
func (t *HealthTracker) Prune(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-retention)
	removed := 0
	for key, s := range t.stats {
		last := s.lastSuccess
		if s.lastError.After(last) {
			last = s.lastError
		}
		if last.Before(cutoff) {
			delete(t.stats, key)
			removed++
		}
	}
	return removed
}

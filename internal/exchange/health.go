package exchange

import (
	"sync"
	"time"
)

// HealthTracker watches one venue's error streak. After the error threshold
// the venue is marked unhealthy; a bounded number of recovery probes are
// allowed before the venue is considered down until operator action.
type HealthTracker struct {
	mu sync.Mutex

	errorThreshold   int
	recoveryAttempts int

	consecutiveErrors int
	recoveriesUsed    int
	totalRequests     int64
	totalSuccesses    int64
	lastError         error
	lastErrorAt       time.Time
	lastSuccessAt     time.Time
}

// NewHealthTracker builds a tracker with the given thresholds. Zero values
// get the platform defaults (5 errors, 3 recovery attempts).
func NewHealthTracker(errorThreshold, recoveryAttempts int) *HealthTracker {
	if errorThreshold <= 0 {
		errorThreshold = 5
	}
	if recoveryAttempts <= 0 {
		recoveryAttempts = 3
	}
	return &HealthTracker{
		errorThreshold:   errorThreshold,
		recoveryAttempts: recoveryAttempts,
	}
}

// RecordSuccess resets the streak and the recovery budget.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErrors = 0
	h.recoveriesUsed = 0
	h.totalRequests++
	h.totalSuccesses++
	h.lastSuccessAt = time.Now()
}

// RecordError extends the streak.
func (h *HealthTracker) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErrors++
	h.totalRequests++
	h.lastError = err
	h.lastErrorAt = time.Now()
}

// Reliability is the lifetime success ratio, 1 before any requests.
func (h *HealthTracker) Reliability() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalRequests == 0 {
		return 1
	}
	return float64(h.totalSuccesses) / float64(h.totalRequests)
}

// Healthy reports whether the venue is below the error threshold.
func (h *HealthTracker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveErrors < h.errorThreshold
}

// TryRecover consumes one recovery probe. It returns false once the probe
// budget is spent, meaning the venue should stay down.
func (h *HealthTracker) TryRecover() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutiveErrors < h.errorThreshold {
		return true
	}
	if h.recoveriesUsed >= h.recoveryAttempts {
		return false
	}
	h.recoveriesUsed++
	return true
}

// Snapshot reports the tracker state for the health endpoint.
func (h *HealthTracker) Snapshot() (consecutiveErrors int, healthy bool, lastError error, lastSuccessAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveErrors, h.consecutiveErrors < h.errorThreshold, h.lastError, h.lastSuccessAt
}

package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
)

// RateLimiter caps successful failovers per machine inside a rolling
// window. Only completed failovers consume budget: a rejected or failed
// attempt must not lock a machine out of recovery, so admissions are
// stamped by Record after success rather than by Check.
//
// A token bucket cannot express this (it charges on admission), hence
// the explicit timestamp window.
type RateLimiter struct {
	mu         sync.Mutex
	admissions map[string][]time.Time
	max        int
	window     time.Duration
	logger     *slog.Logger

	now func() time.Time
}

// NewRateLimiter creates a limiter allowing max successful failovers per
// machine within window
func NewRateLimiter(max int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		admissions: make(map[string][]time.Time),
		max:        max,
		window:     window,
		logger:     logger.With("component", "rate_limiter"),
		now:        time.Now,
	}
}

// Check fails with a RateLimitError when the machine's window is full.
// It does not consume budget.
func (r *RateLimiter) Check(machineID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamps := r.prune(machineID)
	if len(stamps) < r.max {
		return nil
	}

	// The oldest admission leaving the window frees the next slot
	retryAfter := stamps[0].Add(r.window).Sub(r.now())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	metrics.RecordRateLimitRejection()
	r.logger.Warn("failover rate limit exceeded",
		"machine_id", machineID,
		"admissions", len(stamps),
		"retry_after", retryAfter.Round(time.Second))

	return &RateLimitError{MachineID: machineID, RetryAfter: retryAfter}
}

// Record stamps a successful failover admission for the machine
func (r *RateLimiter) Record(machineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamps := r.prune(machineID)
	r.admissions[machineID] = append(stamps, r.now())
}

// Count returns the number of admissions currently inside the window
func (r *RateLimiter) Count(machineID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.prune(machineID))
}

// prune drops stamps older than the window. Caller holds the lock.
func (r *RateLimiter) prune(machineID string) []time.Time {
	cutoff := r.now().Add(-r.window)
	stamps := r.admissions[machineID]

	kept := stamps[:0]
	for _, s := range stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}

	if len(kept) == 0 {
		delete(r.admissions, machineID)
		return nil
	}
	r.admissions[machineID] = kept
	return kept
}

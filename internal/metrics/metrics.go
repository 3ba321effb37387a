package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets, // Default: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Failover and resilience metrics
var (
	// FailoverAttempts counts failover strategy attempts by strategy and outcome
	FailoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_failover_attempts_total",
			Help: "Total number of failover strategy attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// FailoverPhaseDuration tracks per-strategy phase durations within a failover
	FailoverPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_failover_phase_duration_seconds",
			Help:    "Duration of individual failover strategy phases",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"strategy"},
	)

	// FailoverDuration tracks end-to-end failover duration
	FailoverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_failover_duration_seconds",
			Help:    "End-to-end duration of failover executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	// CircuitBreakerState tracks breaker state by strategy.
	// Values: 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_circuit_breaker_state",
			Help: "Current circuit breaker state by strategy (0=closed, 1=open, 2=half-open)",
		},
		[]string{"strategy"},
	)

	// RateLimitRejections counts failovers refused by the per-machine rate limiter
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_rate_limit_rejections_total",
			Help: "Total number of failovers refused by the per-machine rate limiter",
		},
	)

	// JournalRollbacks counts cleanup journal rollbacks
	JournalRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_journal_rollbacks_total",
			Help: "Total number of cleanup journal rollbacks after failed failovers",
		},
	)

	// JournalResourcesRolledBack counts rolled-back resources by kind and outcome
	JournalResourcesRolledBack = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_journal_resources_rolled_back_total",
			Help: "Resources deleted during journal rollback by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// BlacklistAdditions counts hosts added to the blacklist
	BlacklistAdditions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_blacklist_additions_total",
			Help: "Total number of hosts added to the blacklist",
		},
	)

	// BlacklistSize tracks the current number of unexpired blacklist entries
	BlacklistSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_blacklist_size",
			Help: "Current number of unexpired blacklist entries",
		},
	)
)

// Provisioning and instance metrics
var (
	// InstancesActive tracks live instances by provider and status
	InstancesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_instances_active",
			Help: "Number of live instances by provider and status",
		},
		[]string{"provider", "status"},
	)

	// InstancesCreated counts instances created by provider
	InstancesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_instances_created_total",
			Help: "Total number of instances created by provider",
		},
		[]string{"provider"},
	)

	// InstancesDestroyed counts instances destroyed by provider and reason
	InstancesDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_instances_destroyed_total",
			Help: "Total number of instances destroyed by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// DestroyFailures counts failed destroy attempts
	DestroyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_destroy_failures_total",
			Help: "Total number of failed instance destroy attempts",
		},
	)

	// OrphansDetected counts fleet-labeled provider instances no component claims
	OrphansDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_orphans_detected_total",
			Help: "Fleet-labeled provider instances found untracked by any component",
		},
	)

	// SSHProbeDuration tracks SSH health probe latency by provider.
	// Recorded on success too so operators can spot marketplace degradation.
	SSHProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_ssh_probe_duration_seconds",
			Help:    "Duration of SSH health probes by provider",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"provider"},
	)

	// SSHProbeFailures counts SSH probe failures by error type
	SSHProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_ssh_probe_failures_total",
			Help: "SSH probe failures by provider and error type (connection_refused, timeout, auth_failed, etc.)",
		},
		[]string{"provider", "error_type"},
	)

	// RaceCandidatesIssued counts speculative rentals issued by the race provisioner
	RaceCandidatesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_race_candidates_issued_total",
			Help: "Speculative rental requests issued by the race provisioner by provider",
		},
		[]string{"provider"},
	)

	// RaceRounds tracks how many rounds a successful race needed
	RaceRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_race_rounds",
			Help:    "Rounds needed for a successful race provision",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 to 5 rounds
		},
	)

	// RaceExhausted counts races that failed every round
	RaceExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_race_exhausted_total",
			Help: "Total number of race provisions that exhausted all rounds without a winner",
		},
	)

	// ProvisioningDuration tracks how long race provisioning takes
	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_provisioning_duration_seconds",
			Help:    "Duration of race provisioning by provider",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"provider"},
	)

	// WarmPoolsActive tracks warm pools by state
	WarmPoolsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_warm_pools_active",
			Help: "Number of warm pools by state",
		},
		[]string{"state"},
	)

	// WarmPoolFailovers counts standby promotions
	WarmPoolFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_warm_pool_failovers_total",
			Help: "Total number of warm pool standby promotions by outcome",
		},
		[]string{"outcome"},
	)

	// ProviderAPIErrors counts API errors by provider and operation
	ProviderAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_provider_api_errors_total",
			Help: "Total number of provider API errors by provider and operation",
		},
		[]string{"provider", "operation"},
	)

	// ProviderAPIResponseTime tracks API response times by provider and operation
	ProviderAPIResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fleet_provider_api_response_time_seconds",
			Help: "Response time of provider API calls by provider and operation",
			// Buckets: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s, 30s, 60s
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider", "operation"},
	)

	// ProviderAPICallsTotal counts total API calls by provider, operation, and status
	ProviderAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_provider_api_calls_total",
			Help: "Total number of provider API calls by provider, operation, and status",
		},
		[]string{"provider", "operation", "status"},
	)
)

// Snapshot and storage metrics
var (
	// SnapshotsCreated counts snapshots by kind
	SnapshotsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_snapshots_created_total",
			Help: "Total number of snapshots created by kind",
		},
		[]string{"kind"},
	)

	// SnapshotDuration tracks snapshot creation time by kind
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_snapshot_duration_seconds",
			Help:    "Duration of snapshot creation by kind",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"kind"},
	)

	// SnapshotBytes tracks uploaded bytes per snapshot by kind
	SnapshotBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_snapshot_bytes",
			Help:    "Bytes uploaded per snapshot by kind",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10), // 1MiB to ~256GiB
		},
		[]string{"kind"},
	)

	// SnapshotPromotions counts incrementals silently promoted to full
	SnapshotPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_snapshot_promotions_total",
			Help: "Incremental snapshots promoted to full because the ancestor chain reached its depth limit",
		},
	)

	// RestoreDuration tracks restore time
	RestoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_restore_duration_seconds",
			Help:    "Duration of snapshot restores",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// RestoreValidationFailures counts restores rejected by the file-count check
	RestoreValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_restore_validation_failures_total",
			Help: "Total number of restores rejected by post-restore validation",
		},
	)

	// CleanupOutcomes counts retention sweep outcomes per snapshot
	CleanupOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_snapshot_cleanup_total",
			Help: "Snapshot cleanup outcomes (deleted, pending, failed)",
		},
		[]string{"outcome"},
	)

	// CleanupBytesFreed counts bytes freed by retention sweeps
	CleanupBytesFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_snapshot_cleanup_bytes_freed_total",
			Help: "Total bytes freed by snapshot retention sweeps",
		},
	)

	// BlobOperationDuration tracks blob store operation latency
	BlobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_blob_operation_duration_seconds",
			Help:    "Duration of blob store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// BlobRetries counts transient-error retries by operation
	BlobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_blob_retries_total",
			Help: "Blob store retries on transient errors by operation",
		},
		[]string{"operation"},
	)

	// BlobFailures counts blob operations that exhausted retries
	BlobFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_blob_failures_total",
			Help: "Blob store operations that exhausted retries by operation",
		},
		[]string{"operation"},
	)
)

// Helper functions for common metric operations

// RecordFailoverAttempt records one strategy attempt and its outcome.
// outcome should be "success", "failure", "circuit_open", or "rate_limited".
func RecordFailoverAttempt(strategy, outcome string) {
	FailoverAttempts.WithLabelValues(strategy, outcome).Inc()
}

// RecordFailoverPhase records the duration of one strategy phase
func RecordFailoverPhase(strategy string, duration time.Duration) {
	FailoverPhaseDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordFailoverDuration records the end-to-end failover duration
func RecordFailoverDuration(duration time.Duration) {
	FailoverDuration.Observe(duration.Seconds())
}

// UpdateCircuitBreakerState updates the breaker state gauge
// state should be 0 (closed), 1 (open), or 2 (half-open)
func UpdateCircuitBreakerState(strategy string, state int) {
	CircuitBreakerState.WithLabelValues(strategy).Set(float64(state))
}

// RecordRateLimitRejection increments the rate limit rejection counter
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// RecordJournalRollback records one rollback and its per-resource outcomes
func RecordJournalRollback(kind, outcome string) {
	JournalResourcesRolledBack.WithLabelValues(kind, outcome).Inc()
}

// RecordBlacklistAddition increments the blacklist counters
func RecordBlacklistAddition(size int) {
	BlacklistAdditions.Inc()
	BlacklistSize.Set(float64(size))
}

// RecordInstanceCreated increments the instance created counter
func RecordInstanceCreated(provider string) {
	InstancesCreated.WithLabelValues(provider).Inc()
}

// RecordInstanceDestroyed increments the instance destroyed counter
func RecordInstanceDestroyed(provider, reason string) {
	InstancesDestroyed.WithLabelValues(provider, reason).Inc()
}

// RecordDestroyFailure increments the destroy failure counter
func RecordDestroyFailure() {
	DestroyFailures.Inc()
}

// RecordOrphanDetected increments the orphan counter
func RecordOrphanDetected() {
	OrphansDetected.Inc()
}

// UpdateInstanceStatus updates the active instances gauge
func UpdateInstanceStatus(provider, oldStatus, newStatus string) {
	if oldStatus != "" {
		InstancesActive.WithLabelValues(provider, oldStatus).Dec()
	}
	if newStatus != "" {
		InstancesActive.WithLabelValues(provider, newStatus).Inc()
	}
}

// RecordSSHProbeDuration records SSH probe latency
func RecordSSHProbeDuration(provider string, duration time.Duration) {
	SSHProbeDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordSSHProbeFailure records an SSH probe failure by error type
func RecordSSHProbeFailure(provider, errorType string) {
	SSHProbeFailures.WithLabelValues(provider, errorType).Inc()
}

// RecordRaceCandidate increments the issued candidate counter
func RecordRaceCandidate(provider string) {
	RaceCandidatesIssued.WithLabelValues(provider).Inc()
}

// RecordRaceOutcome records rounds used on success, or exhaustion on failure
func RecordRaceOutcome(rounds int, won bool) {
	if won {
		RaceRounds.Observe(float64(rounds))
	} else {
		RaceExhausted.Inc()
	}
}

// RecordProvisioningDuration records how long race provisioning took
func RecordProvisioningDuration(provider string, duration time.Duration) {
	ProvisioningDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// UpdateWarmPoolState moves a warm pool between state gauge buckets
func UpdateWarmPoolState(oldState, newState string) {
	if oldState != "" {
		WarmPoolsActive.WithLabelValues(oldState).Dec()
	}
	if newState != "" {
		WarmPoolsActive.WithLabelValues(newState).Inc()
	}
}

// RecordWarmPoolFailover records a standby promotion outcome
func RecordWarmPoolFailover(outcome string) {
	WarmPoolFailovers.WithLabelValues(outcome).Inc()
}

// RecordProviderError increments the provider API error counter
func RecordProviderError(provider, operation string) {
	ProviderAPIErrors.WithLabelValues(provider, operation).Inc()
}

// RecordProviderAPIResponseTime records the response time for a provider API call
func RecordProviderAPIResponseTime(provider, operation string, duration time.Duration) {
	ProviderAPIResponseTime.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderAPICall records a provider API call with its status
// status should be "success", "error", or "rate_limited"
func RecordProviderAPICall(provider, operation, status string) {
	ProviderAPICallsTotal.WithLabelValues(provider, operation, status).Inc()
}

// RecordSnapshotCreated records a completed snapshot
func RecordSnapshotCreated(kind string, duration time.Duration, bytes int64) {
	SnapshotsCreated.WithLabelValues(kind).Inc()
	SnapshotDuration.WithLabelValues(kind).Observe(duration.Seconds())
	SnapshotBytes.WithLabelValues(kind).Observe(float64(bytes))
}

// RecordSnapshotPromotion increments the promotion counter
func RecordSnapshotPromotion() {
	SnapshotPromotions.Inc()
}

// RecordRestore records a restore duration
func RecordRestore(duration time.Duration) {
	RestoreDuration.Observe(duration.Seconds())
}

// RecordRestoreValidationFailure increments the validation failure counter
func RecordRestoreValidationFailure() {
	RestoreValidationFailures.Inc()
}

// RecordCleanupOutcome records one per-snapshot cleanup outcome
func RecordCleanupOutcome(outcome string, bytesFreed int64) {
	CleanupOutcomes.WithLabelValues(outcome).Inc()
	if bytesFreed > 0 {
		CleanupBytesFreed.Add(float64(bytesFreed))
	}
}

// RecordBlobOperation records a blob operation's duration
func RecordBlobOperation(operation string, duration time.Duration) {
	BlobOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBlobRetry increments the blob retry counter
func RecordBlobRetry(operation string) {
	BlobRetries.WithLabelValues(operation).Inc()
}

// RecordBlobFailure increments the blob failure counter
func RecordBlobFailure(operation string) {
	BlobFailures.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// InstanceCount holds the count of instances for a provider/status combination
type InstanceCount struct {
	Provider string
	Status   string
	Count    int
}

// InitializeInstanceMetrics populates gauges from database state on startup.
// This ensures metrics reflect reality before any background loop runs,
// preventing negative gauge values from state transitions.
func InitializeInstanceMetrics(ctx context.Context, counts []InstanceCount) error {
	for _, c := range counts {
		InstancesActive.WithLabelValues(c.Provider, c.Status).Set(float64(c.Count))
	}
	slog.Info("initialized instance metrics from database",
		slog.Int("label_combinations", len(counts)))
	return nil
}

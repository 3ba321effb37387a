// Package failover is the entry point for recovering a failing GPU. It
// walks the policy's strategies in a fixed order behind the resilience
// envelope: the rate limiter caps recoveries per machine, and a circuit
// breaker per strategy stops the orchestrator from hammering an approach
// that keeps failing.
package failover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/race"
	"github.com/gpufleet/gpufleet/internal/service/regional"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultWorkspacePath is snapshotted when the request does not say
	// where the workload lives
	DefaultWorkspacePath = "/workspace"

	// smokeTestTimeout bounds the optional inference check
	smokeTestTimeout = 30 * time.Second

	// smokeTestMaxBody caps how much of the model's answer lands in the
	// failover record
	smokeTestMaxBody = 4096
)

// WarmPools is the warm pool slice the orchestrator drives
type WarmPools interface {
	Ready(machineID string) bool
	Failover(ctx context.Context, machineID string) (*warmpool.Promotion, error)
}

// Regional moves a persistent volume onto a fresh rental
type Regional interface {
	Failover(ctx context.Context, req regional.Request) (*regional.Result, error)
}

// Racer rents a replacement GPU for the snapshot-restore path
type Racer interface {
	ProvisionFast(ctx context.Context, req race.Request) (*race.Result, error)
}

// Snapshots is the engine slice the cpu_standby path needs
type Snapshots interface {
	Create(ctx context.Context, req snapshot.CreateRequest) (*models.Snapshot, error)
	Restore(ctx context.Context, req snapshot.RestoreRequest) (*models.RestoreResult, error)
	LatestRestorable(ctx context.Context, instanceID string) (*models.Snapshot, error)
}

// PolicySource resolves the effective policy for a machine
type PolicySource interface {
	Resolve(ctx context.Context, machineID string) (*models.FailoverPolicy, error)
}

// RecordSink persists completed failover records
type RecordSink interface {
	Create(ctx context.Context, record *models.FailoverRecord) error
}

// phaseOutcome is what a successful strategy hands back
type phaseOutcome struct {
	instanceID string
	sshHost    string
	sshPort    int
	metadata   map[string]string
}

// Orchestrator coordinates one recovery attempt end to end
type Orchestrator struct {
	envelope *resilience.Envelope
	policies PolicySource
	records  RecordSink

	warm     WarmPools
	regional Regional
	racer    Racer
	snaps    Snapshots

	logger        *slog.Logger
	httpClient    *http.Client
	sshUser       string
	sshKey        string
	workspacePath string

	// For time mocking in tests
	now func() time.Time
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "failover")
	}
}

// WithWarmPools wires the warm pool strategy
func WithWarmPools(w WarmPools) Option {
	return func(o *Orchestrator) {
		o.warm = w
	}
}

// WithRegional wires the regional volume strategy
func WithRegional(r Regional) Option {
	return func(o *Orchestrator) {
		o.regional = r
	}
}

// WithRacer wires the race provisioner for the cpu_standby strategy
func WithRacer(r Racer) Option {
	return func(o *Orchestrator) {
		o.racer = r
	}
}

// WithSnapshots wires the snapshot engine for the cpu_standby strategy
func WithSnapshots(s Snapshots) Option {
	return func(o *Orchestrator) {
		o.snaps = s
	}
}

// WithSSHCredentials sets the credentials used to reach failing and
// replacement workspaces
func WithSSHCredentials(user, privateKey string) Option {
	return func(o *Orchestrator) {
		o.sshUser = user
		o.sshKey = privateKey
	}
}

// WithHTTPClient overrides the smoke test client
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		o.httpClient = c
	}
}

// WithWorkspacePath overrides the default workspace location
func WithWorkspacePath(path string) Option {
	return func(o *Orchestrator) {
		if path != "" {
			o.workspacePath = path
		}
	}
}

// WithTimeFunc overrides the clock for tests
func WithTimeFunc(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. Strategies arrive through options; a
// strategy without its dependency wired fails its phase rather than the
// whole call, so partial deployments still recover what they can.
func New(env *resilience.Envelope, policies PolicySource, records RecordSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		envelope:      env,
		policies:      policies,
		records:       records,
		logger:        slog.Default().With("component", "failover"),
		httpClient:    &http.Client{Timeout: smokeTestTimeout},
		workspacePath: DefaultWorkspacePath,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs one recovery. The rate limiter is consulted before any
// provider contact; a machine over budget is refused outright. The
// returned record is non-nil whenever strategies actually ran, success
// or not, and has already been persisted.
func (o *Orchestrator) Execute(ctx context.Context, req models.FailoverRequest) (*models.FailoverRecord, error) {
	if req.MachineID == "" {
		return nil, fmt.Errorf("machine_id is required")
	}
	if req.InstanceID == "" {
		return nil, fmt.Errorf("gpu_instance_id is required")
	}
	if req.ForceStrategy != "" && !req.ForceStrategy.Valid() {
		return nil, fmt.Errorf("unknown strategy %q", req.ForceStrategy)
	}

	if err := o.envelope.RateLimiter.Check(req.MachineID); err != nil {
		return nil, err
	}

	policy, err := o.policies.Resolve(ctx, req.MachineID)
	if err != nil {
		return nil, fmt.Errorf("resolving policy for machine %s: %w", req.MachineID, err)
	}

	strategy := policy.DefaultStrategy
	if req.ForceStrategy != "" {
		strategy = req.ForceStrategy
	}
	if strategy == models.StrategyDisabled {
		return nil, fmt.Errorf("machine %s: %w", req.MachineID, ErrDisabled)
	}
	plan := strategy.Expand()
	if len(plan) == 0 {
		return nil, fmt.Errorf("strategy %q expands to nothing", strategy)
	}

	record := &models.FailoverRecord{
		ID:                uuid.New().String(),
		MachineID:         req.MachineID,
		InstanceID:        req.InstanceID,
		StrategyAttempted: strategy,
		CreatedAt:         o.now().UTC(),
	}
	journalID := "failover-" + record.ID
	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("failover %s: machine %s unhealthy", record.ID, req.MachineID)
	}

	o.logger.Warn("failover starting",
		slog.String("failover_id", record.ID),
		slog.String("machine_id", req.MachineID),
		slog.String("instance_id", req.InstanceID),
		slog.String("strategy", string(strategy)))

	start := o.now()
	var outcome *phaseOutcome
	for _, s := range plan {
		phase, err := o.runPhase(ctx, s, req, policy, record, journalID, reason)
		if err != nil {
			metrics.RecordFailoverAttempt(string(s), attemptOutcome(err))
			o.logger.Warn("failover phase failed",
				slog.String("failover_id", record.ID),
				slog.String("strategy", string(s)),
				slog.String("error", err.Error()))
			continue
		}
		metrics.RecordFailoverAttempt(string(s), "success")
		record.StrategySucceeded = s
		outcome = phase
		break
	}

	total := o.now().Sub(start)
	record.TotalMs = total.Milliseconds()
	if record.TotalMs == 0 && total > 0 {
		record.TotalMs = 1
	}
	metrics.RecordFailoverDuration(total)

	if outcome != nil {
		record.NewInstanceID = outcome.instanceID
		record.NewSSHHost = outcome.sshHost
		record.NewSSHPort = outcome.sshPort
		for k, v := range outcome.metadata {
			if record.Metadata == nil {
				record.Metadata = make(map[string]string)
			}
			record.Metadata[k] = v
		}
		o.envelope.RateLimiter.Record(req.MachineID)
		o.envelope.Journal.Commit(journalID)
		o.persist(ctx, record)
		o.auditRun(record, true)

		o.logger.Info("failover complete",
			slog.String("failover_id", record.ID),
			slog.String("machine_id", req.MachineID),
			slog.String("strategy_succeeded", string(record.StrategySucceeded)),
			slog.String("new_instance_id", record.NewInstanceID),
			slog.Int64("total_ms", record.TotalMs))
		logging.Audit(ctx, "failover_executed",
			"failover_id", record.ID,
			"machine_id", req.MachineID,
			"strategy_succeeded", string(record.StrategySucceeded),
			"new_instance_id", record.NewInstanceID)
		return record, nil
	}

	// Nothing worked. Unwind whatever the phases left behind.
	if n := o.envelope.Journal.Rollback(context.WithoutCancel(ctx), journalID); n > 0 {
		o.logger.Warn("rolled back failover leftovers",
			slog.String("failover_id", record.ID),
			slog.Int("resources", n))
	}
	o.persist(ctx, record)
	o.auditRun(record, false)

	o.logger.Error("CRITICAL: failover exhausted every strategy",
		slog.String("failover_id", record.ID),
		slog.String("machine_id", req.MachineID),
		slog.String("strategy", string(strategy)),
		slog.Int64("total_ms", record.TotalMs))
	return record, &StrategiesExhaustedError{MachineID: req.MachineID, Attempted: plan}
}

// runPhase times one strategy attempt and reports its outcome to the
// strategy's breaker. A breaker refusal records as the phase error with
// zero elapsed, keeping "refused" and "ran and failed" distinguishable
// in the record.
func (o *Orchestrator) runPhase(ctx context.Context, s models.FailoverStrategy, req models.FailoverRequest, policy *models.FailoverPolicy, record *models.FailoverRecord, journalID, reason string) (*phaseOutcome, error) {
	if err := phaseEnabled(s, policy); err != nil {
		record.SetPhaseTiming(s, 0, err)
		return nil, err
	}

	done, err := o.envelope.Breakers.Allow(string(s))
	if err != nil {
		record.SetPhaseTiming(s, 0, err)
		return nil, err
	}

	phaseStart := o.now()
	outcome, err := o.attempt(ctx, s, req, policy, record, journalID, reason)
	elapsed := o.now().Sub(phaseStart)
	record.SetPhaseTiming(s, elapsed, err)
	metrics.RecordFailoverPhase(string(s), elapsed)
	done(err == nil)

	return outcome, err
}

// phaseEnabled rejects strategies the policy has switched off. The
// rejection happens before the breaker so configuration state never
// counts as a strategy failure.
func phaseEnabled(s models.FailoverStrategy, policy *models.FailoverPolicy) error {
	enabled := true
	switch s {
	case models.StrategyWarmPool:
		enabled = policy.WarmPool.Enabled
	case models.StrategyRegionalVolume:
		enabled = policy.RegionalVolume.Enabled
	case models.StrategyCPUStandby:
		enabled = policy.CPUStandby.Enabled
	}
	if !enabled {
		return fmt.Errorf("strategy %s disabled by policy", s)
	}
	return nil
}

func (o *Orchestrator) attempt(ctx context.Context, s models.FailoverStrategy, req models.FailoverRequest, policy *models.FailoverPolicy, record *models.FailoverRecord, journalID, reason string) (*phaseOutcome, error) {
	switch s {
	case models.StrategyWarmPool:
		return o.attemptWarmPool(ctx, req)
	case models.StrategyRegionalVolume:
		return o.attemptRegional(ctx, req, policy, journalID, reason)
	case models.StrategyCPUStandby:
		return o.attemptCPUStandby(ctx, req, policy, record, journalID, reason)
	default:
		return nil, fmt.Errorf("no implementation for strategy %s", s)
	}
}

func (o *Orchestrator) attemptWarmPool(ctx context.Context, req models.FailoverRequest) (*phaseOutcome, error) {
	if o.warm == nil {
		return nil, errors.New("warm pool manager not wired")
	}
	promo, err := o.warm.Failover(ctx, req.MachineID)
	if err != nil {
		return nil, err
	}
	return &phaseOutcome{
		instanceID: promo.NewPrimaryID,
		sshHost:    promo.SSHHost,
		sshPort:    promo.SSHPort,
	}, nil
}

func (o *Orchestrator) attemptRegional(ctx context.Context, req models.FailoverRequest, policy *models.FailoverPolicy, journalID, reason string) (*phaseOutcome, error) {
	if o.regional == nil {
		return nil, errors.New("regional volume service not wired")
	}
	res, err := o.regional.Failover(ctx, regional.Request{
		Config:        policy.RegionalVolume,
		OldInstanceID: req.InstanceID,
		Reason:        reason,
		CallerSource:  models.CallerRegionalVolume,
		JournalID:     journalID,
	})
	if err != nil {
		return nil, err
	}
	return &phaseOutcome{
		instanceID: res.NewInstanceID,
		sshHost:    res.SSHHost,
		sshPort:    res.SSHPort,
	}, nil
}

// attemptCPUStandby is the slow path: capture the failing workspace (or
// fall back to the newest stored snapshot when the host is beyond SSH),
// race a fresh GPU, restore onto it, and optionally prove the model
// answers.
func (o *Orchestrator) attemptCPUStandby(ctx context.Context, req models.FailoverRequest, policy *models.FailoverPolicy, record *models.FailoverRecord, journalID, reason string) (*phaseOutcome, error) {
	if o.racer == nil {
		return nil, errors.New("race provisioner not wired")
	}
	if o.snaps == nil {
		return nil, errors.New("snapshot engine not wired")
	}
	cfg := policy.CPUStandby
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = o.workspacePath
	}

	snap, err := o.captureOrLatest(ctx, req, workspace, journalID)
	if err != nil {
		return nil, err
	}

	res, err := o.racer.ProvisionFast(ctx, race.Request{
		Requirements: race.Requirements{
			MinGPURAMMb: cfg.MinGPURAMMb,
			MaxPrice:    cfg.MaxPricePerHour,
			DiskGB:      cfg.DiskGB,
			Image:       cfg.Image,
			OnStart:     cfg.OnStartScript,
		},
		Reason:       reason,
		CallerSource: models.CallerCPUStandby,
		JournalID:    journalID,
	})
	if err != nil {
		var exhausted *race.ExhaustedError
		if errors.As(err, &exhausted) {
			record.GPUsTried = exhausted.GPUsTried
			record.RoundsAttempted = exhausted.Rounds
		}
		return nil, fmt.Errorf("provisioning replacement: %w", err)
	}
	record.GPUsTried = res.GPUsTried
	record.RoundsAttempted = res.Rounds
	winner := res.Winner

	if _, err := o.snaps.Restore(ctx, snapshot.RestoreRequest{
		SnapshotID:    snap.ID,
		WorkspacePath: workspace,
		Creds: snapshot.Credentials{
			Host:       winner.SSHHost,
			Port:       winner.SSHPort,
			User:       o.sshUser,
			PrivateKey: o.sshKey,
		},
	}); err != nil {
		return nil, fmt.Errorf("restoring snapshot %s onto %s: %w", snap.ID, winner.ID, err)
	}

	meta := map[string]string{"snapshot_id": snap.ID}
	if cfg.SmokeTestURL != "" && cfg.SmokeTestPrompt != "" {
		o.runSmokeTest(ctx, cfg, winner, meta)
	}

	return &phaseOutcome{
		instanceID: winner.ID,
		sshHost:    winner.SSHHost,
		sshPort:    winner.SSHPort,
		metadata:   meta,
	}, nil
}

// captureOrLatest prefers a fresh capture of the failing workspace and
// falls back to the newest stored snapshot when the host is unreachable
func (o *Orchestrator) captureOrLatest(ctx context.Context, req models.FailoverRequest, workspace, journalID string) (*models.Snapshot, error) {
	if req.SSHHost != "" {
		snap, err := o.snaps.Create(ctx, snapshot.CreateRequest{
			InstanceID:    req.InstanceID,
			Kind:          models.SnapshotIncremental,
			WorkspacePath: workspace,
			Creds: snapshot.Credentials{
				Host:       req.SSHHost,
				Port:       req.SSHPort,
				User:       o.sshUser,
				PrivateKey: o.sshKey,
			},
			JournalID: journalID,
		})
		if err == nil {
			return snap, nil
		}
		o.logger.Warn("fresh snapshot failed, falling back to stored",
			slog.String("instance_id", req.InstanceID),
			slog.String("error", err.Error()))
	}

	snap, err := o.snaps.LatestRestorable(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("workspace unreachable and no stored snapshot: %w", err)
	}
	return snap, nil
}

// runSmokeTest posts the configured prompt to the inference endpoint and
// stashes the response in the record. Failures are noted, never fatal:
// the GPU is already recovered, the model check is advisory.
func (o *Orchestrator) runSmokeTest(ctx context.Context, cfg models.CPUStandbyConfig, winner *models.Instance, meta map[string]string) {
	url := strings.ReplaceAll(cfg.SmokeTestURL, "{host}", winner.SSHHost)
	url = strings.ReplaceAll(url, "{port}", strconv.Itoa(winner.SSHPort))

	body, err := json.Marshal(map[string]string{"prompt": cfg.SmokeTestPrompt})
	if err != nil {
		meta["smoke_test_error"] = err.Error()
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		meta["smoke_test_error"] = err.Error()
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		o.logger.Warn("inference smoke test failed",
			slog.String("url", url),
			slog.String("error", err.Error()))
		meta["smoke_test_error"] = err.Error()
		return
	}
	defer resp.Body.Close()

	answer, _ := io.ReadAll(io.LimitReader(resp.Body, smokeTestMaxBody))
	meta["smoke_test_status"] = strconv.Itoa(resp.StatusCode)
	meta["smoke_test_response"] = string(answer)
	o.logger.Info("inference smoke test completed",
		slog.String("instance_id", winner.ID),
		slog.Int("status", resp.StatusCode))
}

// CheckReadiness reports what a failover for the machine could use right
// now, without touching the provider
func (o *Orchestrator) CheckReadiness(ctx context.Context, machineID string) (*models.FailoverReadiness, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine_id is required")
	}
	policy, err := o.policies.Resolve(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("resolving policy for machine %s: %w", machineID, err)
	}

	r := &models.FailoverReadiness{
		MachineID: machineID,
		Strategy:  policy.DefaultStrategy,
	}
	r.WarmPoolReady = o.warm != nil && policy.WarmPool.Enabled && o.warm.Ready(machineID)
	r.CPUStandbyReady = o.racer != nil && o.snaps != nil && policy.CPUStandby.Enabled

	switch {
	case policy.DefaultStrategy == models.StrategyDisabled:
		r.RecommendedAction = "failover disabled; enable a strategy for this machine"
	case r.WarmPoolReady:
		r.RecommendedAction = "warm pool standby ready; failover will promote in seconds"
	case o.regional != nil && policy.RegionalVolume.Enabled && policy.RegionalVolume.VolumeID != "":
		r.RecommendedAction = "regional volume move available"
	case r.CPUStandbyReady:
		r.RecommendedAction = "cpu_standby only; expect minutes for snapshot and reprovision"
	default:
		r.RecommendedAction = "no strategy ready; provision a warm pool or configure cpu_standby"
	}
	return r, nil
}

func (o *Orchestrator) persist(ctx context.Context, record *models.FailoverRecord) {
	if o.records == nil {
		return
	}
	if err := o.records.Create(ctx, record); err != nil {
		o.logger.Error("CRITICAL: failed to persist failover record",
			slog.String("failover_id", record.ID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) auditRun(record *models.FailoverRecord, success bool) {
	if o.envelope.Audit == nil {
		return
	}
	detail := "exhausted all strategies"
	if success {
		detail = fmt.Sprintf("recovered via %s in %dms", record.StrategySucceeded, record.TotalMs)
	}
	if err := o.envelope.Audit.Append(resilience.AuditRecord{
		Category:   resilience.AuditFailover,
		Action:     "failover_executed",
		InstanceID: record.InstanceID,
		MachineID:  record.MachineID,
		FailoverID: record.ID,
		Success:    success,
		Detail:     detail,
	}); err != nil {
		o.logger.Error("failed to audit failover", slog.String("error", err.Error()))
	}
}

// attemptOutcome maps a phase error to a metrics label
func attemptOutcome(err error) string {
	switch {
	case resilience.IsCircuitOpen(err):
		return "circuit_open"
	case strings.Contains(err.Error(), "disabled by policy"):
		return "disabled"
	default:
		return "failure"
	}
}

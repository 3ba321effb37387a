package failover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/race"
	"github.com/gpufleet/gpufleet/internal/service/regional"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePolicies struct {
	mu     sync.Mutex
	policy *models.FailoverPolicy
	err    error
}

func (f *fakePolicies) Resolve(_ context.Context, machineID string) (*models.FailoverPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := *f.policy
	p.MachineID = machineID
	return &p, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	created []*models.FailoverRecord
}

func (f *fakeRecords) Create(_ context.Context, r *models.FailoverRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, r)
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeWarm stands in for the warm pool manager. cost is how far the fake
// clock moves per Failover call, so phase timings are deterministic.
type fakeWarm struct {
	mu    sync.Mutex
	clock *fakeClock
	cost  time.Duration
	err   error
	ready bool
	calls int
}

func (f *fakeWarm) Ready(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeWarm) Failover(_ context.Context, machineID string) (*warmpool.Promotion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.cost > 0 {
		f.clock.Advance(f.cost)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &warmpool.Promotion{
		MachineID:    machineID,
		OldPrimaryID: "primary-dead",
		NewPrimaryID: "standby-1",
		SSHHost:      "standby-1.host",
		SSHPort:      22,
		Duration:     f.cost,
	}, nil
}

func (f *fakeWarm) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegional struct {
	mu       sync.Mutex
	clock    *fakeClock
	cost     time.Duration
	err      error
	result   *regional.Result
	journal  *resilience.Journal
	leftover string // instance recorded into the caller's journal before failing
	calls    int
	lastReq  regional.Request
}

func (f *fakeRegional) Failover(_ context.Context, req regional.Request) (*regional.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.cost > 0 {
		f.clock.Advance(f.cost)
	}
	if f.journal != nil && f.leftover != "" {
		f.journal.Record(req.JournalID, resilience.Resource{
			Kind: resilience.ResourceInstance,
			ID:   f.leftover,
			Note: "replacement that never came up",
		})
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRegional) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRegional) last() regional.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeRacer struct {
	mu      sync.Mutex
	clock   *fakeClock
	cost    time.Duration
	err     error
	result  *race.Result
	calls   int
	lastReq race.Request
}

func (f *fakeRacer) ProvisionFast(_ context.Context, req race.Request) (*race.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.cost > 0 {
		f.clock.Advance(f.cost)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRacer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRacer) last() race.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type fakeSnaps struct {
	mu          sync.Mutex
	clock       *fakeClock
	createCost  time.Duration
	restoreCost time.Duration
	createErr   error
	restoreErr  error
	latest      *models.Snapshot
	latestErr   error
	createReqs  []snapshot.CreateRequest
	restoreReqs []snapshot.RestoreRequest
}

func (f *fakeSnaps) Create(_ context.Context, req snapshot.CreateRequest) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	if f.createCost > 0 {
		f.clock.Advance(f.createCost)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &models.Snapshot{ID: "snap-fresh", InstanceID: req.InstanceID, Kind: req.Kind}, nil
}

func (f *fakeSnaps) Restore(_ context.Context, req snapshot.RestoreRequest) (*models.RestoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreReqs = append(f.restoreReqs, req)
	if f.restoreCost > 0 {
		f.clock.Advance(f.restoreCost)
	}
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return &models.RestoreResult{SnapshotID: req.SnapshotID, FilesRestored: 12, BytesRestored: 1 << 20, DurationMs: 1500}, nil
}

func (f *fakeSnaps) LatestRestorable(_ context.Context, instanceID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	if f.latest != nil {
		return f.latest, nil
	}
	return nil, fmt.Errorf("no restorable snapshot for instance %s", instanceID)
}

func (f *fakeSnaps) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.createReqs)
}

func (f *fakeSnaps) createReq(i int) snapshot.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createReqs[i]
}

func (f *fakeSnaps) restoreCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restoreReqs)
}

func (f *fakeSnaps) restoreReq(i int) snapshot.RestoreRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restoreReqs[i]
}

type fakeDestroyer struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeDestroyer) DestroyForRollback(_ context.Context, instanceID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, instanceID)
	return nil
}

func (f *fakeDestroyer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

type orchFixture struct {
	orch     *Orchestrator
	env      *resilience.Envelope
	clock    *fakeClock
	warm     *fakeWarm
	reg      *fakeRegional
	racer    *fakeRacer
	snaps    *fakeSnaps
	records  *fakeRecords
	policies *fakePolicies
}

func testPolicy(strategy models.FailoverStrategy) *models.FailoverPolicy {
	return &models.FailoverPolicy{
		DefaultStrategy: strategy,
		WarmPool: models.WarmPoolConfig{
			Enabled:             true,
			VolumeSizeGB:        50,
			HealthIntervalS:     10,
			FailThreshold:       3,
			MaxStandbyPriceHour: 0.5,
		},
		RegionalVolume: models.RegionalVolumeConfig{
			Enabled:        true,
			VolumeID:       "vol-1",
			Region:         "SE, Sweden",
			MinReliability: 0.9,
			MountPoint:     "/workspace",
			TimeoutS:       300,
			DestroyOld:     true,
		},
		CPUStandby: models.CPUStandbyConfig{
			Enabled:         true,
			MinGPURAMMb:     16000,
			MaxPricePerHour: 1.2,
			DiskGB:          40,
			Image:           "pytorch/pytorch:latest",
		},
	}
}

func newFixture(t *testing.T, strategy models.FailoverStrategy) *orchFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := newFakeClock()
	env := &resilience.Envelope{
		RateLimiter: resilience.NewRateLimiter(5, 24*time.Hour, logger),
		Breakers:    resilience.NewBreakerGroup(3, time.Minute, logger),
		Journal:     resilience.NewJournal(nil, logger),
	}

	fx := &orchFixture{
		env:      env,
		clock:    clock,
		warm:     &fakeWarm{clock: clock},
		reg:      &fakeRegional{clock: clock},
		racer:    &fakeRacer{clock: clock},
		snaps:    &fakeSnaps{clock: clock},
		records:  &fakeRecords{},
		policies: &fakePolicies{policy: testPolicy(strategy)},
	}
	fx.orch = New(env, fx.policies, fx.records,
		WithLogger(logger),
		WithWarmPools(fx.warm),
		WithRegional(fx.reg),
		WithRacer(fx.racer),
		WithSnapshots(fx.snaps),
		WithSSHCredentials("root", "test-key"),
		WithTimeFunc(clock.Now),
	)
	return fx
}

func testFailoverRequest() models.FailoverRequest {
	return models.FailoverRequest{
		MachineID:  "machine-9",
		InstanceID: "inst-dead",
		SSHHost:    "inst-dead.host",
		SSHPort:    22,
		Reason:     "unit test",
	}
}

// raceWinner wires the fake racer to hand back a usable instance
func raceWinner(fx *orchFixture, host string, port int) *models.Instance {
	winner := &models.Instance{
		ID:      "inst-new",
		SSHHost: host,
		SSHPort: port,
		GPUName: "RTX 4090",
	}
	fx.racer.result = &race.Result{Winner: winner, Rounds: 2, GPUsTried: 5, Duration: 30 * time.Second}
	return winner
}

func TestExecuteWarmPoolPromotes(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)
	fx.warm.cost = 120 * time.Millisecond

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, models.StrategyWarmPool, rec.StrategyAttempted)
	assert.Equal(t, models.StrategyWarmPool, rec.StrategySucceeded)
	assert.Equal(t, "standby-1", rec.NewInstanceID)
	assert.Equal(t, "standby-1.host", rec.NewSSHHost)
	assert.Equal(t, 22, rec.NewSSHPort)
	assert.EqualValues(t, 120, rec.WarmPoolAttemptMs)
	assert.EqualValues(t, 120, rec.TotalMs)
	assert.Empty(t, rec.WarmPoolError)
	assert.Zero(t, rec.RegionalVolumeAttemptMs)
	assert.Zero(t, rec.CPUStandbyAttemptMs)

	assert.Equal(t, 1, fx.records.count())
	assert.Equal(t, 1, fx.env.RateLimiter.Count("machine-9"))
	assert.Zero(t, fx.reg.callCount())
	assert.Zero(t, fx.racer.callCount())
}

// Three genuine failures trip the strategy's breaker; attempts four and
// five are refused without reaching the warm pool manager at all.
func TestExecuteBreakerShortCircuitsAfterThreshold(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)
	fx.warm.cost = 10 * time.Millisecond
	fx.warm.err = errors.New("standby resume refused")

	for attempt := 1; attempt <= 5; attempt++ {
		rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())

		var exhausted *StrategiesExhaustedError
		require.ErrorAs(t, err, &exhausted, "attempt %d", attempt)
		require.NotNil(t, rec)
		assert.Empty(t, rec.StrategySucceeded)

		if attempt <= 3 {
			assert.Contains(t, rec.WarmPoolError, "standby resume refused", "attempt %d", attempt)
			assert.EqualValues(t, 10, rec.WarmPoolAttemptMs, "attempt %d", attempt)
		} else {
			assert.Contains(t, rec.WarmPoolError, "circuit open", "attempt %d", attempt)
			assert.Zero(t, rec.WarmPoolAttemptMs, "attempt %d", attempt)
		}
	}

	assert.Equal(t, 3, fx.warm.callCount())
	assert.Equal(t, 5, fx.records.count())
	assert.Zero(t, fx.env.RateLimiter.Count("machine-9"))
}

// The sixth failover inside the window is refused before any provider
// contact, with no record persisted. Other machines keep their budget.
func TestExecuteRateLimitStopsSixthAttempt(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)
	fx.warm.cost = 5 * time.Millisecond

	for i := 0; i < 5; i++ {
		_, err := fx.orch.Execute(context.Background(), testFailoverRequest())
		require.NoError(t, err)
	}
	require.Equal(t, 5, fx.warm.callCount())

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, resilience.IsRateLimited(err))

	var rle *resilience.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "machine-9", rle.MachineID)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))

	assert.Equal(t, 5, fx.warm.callCount())
	assert.Equal(t, 5, fx.records.count())

	other := testFailoverRequest()
	other.MachineID = "machine-other"
	_, err = fx.orch.Execute(context.Background(), other)
	require.NoError(t, err)
}

func TestExecuteStrategyAllFallsThroughToRegional(t *testing.T) {
	fx := newFixture(t, models.StrategyAll)
	fx.warm.cost = 120 * time.Millisecond
	fx.warm.err = errors.New("no standby available")
	fx.reg.cost = 45 * time.Second
	fx.reg.result = &regional.Result{
		NewInstanceID: "inst-se",
		SSHHost:       "inst-se.host",
		SSHPort:       22,
		GPUName:       "RTX 4090",
		Duration:      45 * time.Second,
	}

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyAll, rec.StrategyAttempted)
	assert.Equal(t, models.StrategyRegionalVolume, rec.StrategySucceeded)
	assert.Contains(t, rec.WarmPoolError, "no standby available")
	assert.EqualValues(t, 120, rec.WarmPoolAttemptMs)
	assert.EqualValues(t, 45000, rec.RegionalVolumeAttemptMs)
	assert.Zero(t, rec.CPUStandbyAttemptMs)
	assert.Empty(t, rec.CPUStandbyError)
	assert.EqualValues(t, 45120, rec.TotalMs)
	assert.Equal(t, "inst-se", rec.NewInstanceID)
	assert.Zero(t, fx.racer.callCount())

	require.Equal(t, 1, fx.reg.callCount())
	regReq := fx.reg.last()
	assert.Equal(t, "vol-1", regReq.Config.VolumeID)
	assert.Equal(t, "inst-dead", regReq.OldInstanceID)
	assert.Equal(t, models.CallerRegionalVolume, regReq.CallerSource)
	assert.Equal(t, "failover-"+rec.ID, regReq.JournalID)
}

func TestExecuteCPUStandbySnapshotRaceRestore(t *testing.T) {
	fx := newFixture(t, models.StrategyCPUStandby)
	fx.snaps.createCost = 2 * time.Second
	fx.racer.cost = 30 * time.Second
	fx.snaps.restoreCost = 3 * time.Second

	var (
		smokeMu   sync.Mutex
		smokeSeen map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		smokeMu.Lock()
		_ = json.Unmarshal(body, &smokeSeen)
		smokeMu.Unlock()
		fmt.Fprint(w, `{"text":"the capital of Sweden is Stockholm"}`)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	raceWinner(fx, u.Hostname(), port)

	fx.policies.policy.CPUStandby.SmokeTestURL = "http://{host}:{port}/v1/completions"
	fx.policies.policy.CPUStandby.SmokeTestPrompt = "What is the capital of Sweden?"

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCPUStandby, rec.StrategySucceeded)
	assert.Equal(t, "inst-new", rec.NewInstanceID)
	assert.Equal(t, 5, rec.GPUsTried)
	assert.Equal(t, 2, rec.RoundsAttempted)
	assert.EqualValues(t, 35000, rec.CPUStandbyAttemptMs)

	// Fresh snapshot captured from the failing host
	require.Equal(t, 1, fx.snaps.createCount())
	creq := fx.snaps.createReq(0)
	assert.Equal(t, "inst-dead", creq.InstanceID)
	assert.Equal(t, models.SnapshotIncremental, creq.Kind)
	assert.Equal(t, "/workspace", creq.WorkspacePath)
	assert.Equal(t, "inst-dead.host", creq.Creds.Host)
	assert.Equal(t, "root", creq.Creds.User)
	assert.Equal(t, "failover-"+rec.ID, creq.JournalID)

	// Restored onto the race winner
	require.Equal(t, 1, fx.snaps.restoreCount())
	rreq := fx.snaps.restoreReq(0)
	assert.Equal(t, "snap-fresh", rreq.SnapshotID)
	assert.Equal(t, u.Hostname(), rreq.Creds.Host)

	// Race carried the policy's requirements under the shared journal
	raceReq := fx.racer.last()
	assert.Equal(t, 16000, raceReq.Requirements.MinGPURAMMb)
	assert.Equal(t, 1.2, raceReq.Requirements.MaxPrice)
	assert.Equal(t, models.CallerCPUStandby, raceReq.CallerSource)
	assert.Equal(t, "failover-"+rec.ID, raceReq.JournalID)

	// Smoke test reached the replacement and landed in the record
	assert.Equal(t, "snap-fresh", rec.Metadata["snapshot_id"])
	assert.Equal(t, "200", rec.Metadata["smoke_test_status"])
	assert.Contains(t, rec.Metadata["smoke_test_response"], "Stockholm")
	smokeMu.Lock()
	assert.Equal(t, "What is the capital of Sweden?", smokeSeen["prompt"])
	smokeMu.Unlock()
}

func TestExecuteCPUStandbyFallsBackToStoredSnapshot(t *testing.T) {
	fx := newFixture(t, models.StrategyCPUStandby)
	fx.snaps.createErr = errors.New("ssh: connect refused")
	fx.snaps.latest = &models.Snapshot{ID: "snap-old", InstanceID: "inst-dead"}
	raceWinner(fx, "inst-new.host", 22)

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCPUStandby, rec.StrategySucceeded)
	assert.Equal(t, "snap-old", rec.Metadata["snapshot_id"])
	require.Equal(t, 1, fx.snaps.restoreCount())
	assert.Equal(t, "snap-old", fx.snaps.restoreReq(0).SnapshotID)
	// The capture was attempted first
	assert.Equal(t, 1, fx.snaps.createCount())
}

func TestExecuteCPUStandbySkipsCaptureWithoutSSH(t *testing.T) {
	fx := newFixture(t, models.StrategyCPUStandby)
	fx.snaps.latest = &models.Snapshot{ID: "snap-old", InstanceID: "inst-dead"}
	raceWinner(fx, "inst-new.host", 22)

	req := testFailoverRequest()
	req.SSHHost = ""
	req.SSHPort = 0

	rec, err := fx.orch.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, fx.snaps.createCount())
	assert.Equal(t, "snap-old", rec.Metadata["snapshot_id"])
}

func TestExecuteCPUStandbyFailsWithoutAnySnapshot(t *testing.T) {
	fx := newFixture(t, models.StrategyCPUStandby)
	fx.snaps.createErr = errors.New("ssh: connect refused")
	fx.snaps.latestErr = errors.New("no restorable snapshot for instance inst-dead")

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())

	var exhausted *StrategiesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.NotNil(t, rec)
	assert.Contains(t, rec.CPUStandbyError, "no stored snapshot")
	assert.Zero(t, fx.racer.callCount())
	assert.Equal(t, 1, fx.records.count())
}

func TestExecuteForceStrategyOverridesPolicy(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)
	raceWinner(fx, "inst-new.host", 22)

	req := testFailoverRequest()
	req.ForceStrategy = models.StrategyCPUStandby

	rec, err := fx.orch.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCPUStandby, rec.StrategyAttempted)
	assert.Equal(t, models.StrategyCPUStandby, rec.StrategySucceeded)
	assert.Zero(t, fx.warm.callCount())
}

func TestExecuteDisabledByPolicy(t *testing.T) {
	fx := newFixture(t, models.StrategyDisabled)

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Zero(t, fx.warm.callCount())
	assert.Zero(t, fx.records.count())
}

// A phase its policy switched off is skipped without consulting the
// breaker or the strategy itself.
func TestExecutePhaseDisabledByPolicy(t *testing.T) {
	fx := newFixture(t, models.StrategyBoth)
	fx.policies.policy.WarmPool.Enabled = false
	raceWinner(fx, "inst-new.host", 22)

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCPUStandby, rec.StrategySucceeded)
	assert.Contains(t, rec.WarmPoolError, "disabled by policy")
	assert.Zero(t, rec.WarmPoolAttemptMs)
	assert.Zero(t, fx.warm.callCount())
}

func TestExecuteRollsBackLeftoversOnTotalFailure(t *testing.T) {
	fx := newFixture(t, models.StrategyAll)
	destroyer := &fakeDestroyer{}
	fx.env.Journal.SetInstanceDestroyer(destroyer)

	fx.warm.err = errors.New("no pool on machine")
	fx.reg.err = errors.New("region empty")
	fx.reg.journal = fx.env.Journal
	fx.reg.leftover = "inst-straggler"
	fx.racer.err = &race.ExhaustedError{Rounds: 3, GPUsTried: 9}

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())

	var exhausted *StrategiesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "machine-9", exhausted.MachineID)
	assert.Equal(t, []models.FailoverStrategy{
		models.StrategyWarmPool,
		models.StrategyRegionalVolume,
		models.StrategyCPUStandby,
	}, exhausted.Attempted)

	// The straggler the regional phase left behind was destroyed
	assert.Equal(t, []string{"inst-straggler"}, destroyer.ids())
	assert.Empty(t, fx.env.Journal.Pending())

	// Exhaustion details from the race landed in the record
	require.NotNil(t, rec)
	assert.Equal(t, 9, rec.GPUsTried)
	assert.Equal(t, 3, rec.RoundsAttempted)
	assert.Contains(t, rec.CPUStandbyError, "race exhausted")
	assert.Equal(t, 1, fx.records.count())
}

func TestExecuteValidation(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)

	cases := []struct {
		name   string
		mutate func(*models.FailoverRequest)
		want   string
	}{
		{"missing machine", func(r *models.FailoverRequest) { r.MachineID = "" }, "machine_id is required"},
		{"missing instance", func(r *models.FailoverRequest) { r.InstanceID = "" }, "gpu_instance_id is required"},
		{"unknown forced strategy", func(r *models.FailoverRequest) { r.ForceStrategy = "teleport" }, "unknown strategy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testFailoverRequest()
			tc.mutate(&req)
			rec, err := fx.orch.Execute(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Zero(t, fx.records.count())
}

func TestExecutePolicyResolveError(t *testing.T) {
	fx := newFixture(t, models.StrategyWarmPool)
	fx.policies.err = errors.New("policy store unavailable")

	rec, err := fx.orch.Execute(context.Background(), testFailoverRequest())
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Contains(t, err.Error(), "resolving policy")
}

func TestCheckReadinessWarmPoolReady(t *testing.T) {
	fx := newFixture(t, models.StrategyAll)
	fx.warm.ready = true

	r, err := fx.orch.CheckReadiness(context.Background(), "machine-9")
	require.NoError(t, err)

	assert.Equal(t, "machine-9", r.MachineID)
	assert.Equal(t, models.StrategyAll, r.Strategy)
	assert.True(t, r.WarmPoolReady)
	assert.True(t, r.CPUStandbyReady)
	assert.Contains(t, r.RecommendedAction, "warm pool")
}

func TestCheckReadinessFallsBackToRegional(t *testing.T) {
	fx := newFixture(t, models.StrategyAll)

	r, err := fx.orch.CheckReadiness(context.Background(), "machine-9")
	require.NoError(t, err)

	assert.False(t, r.WarmPoolReady)
	assert.Contains(t, r.RecommendedAction, "regional")
}

func TestCheckReadinessCPUStandbyOnly(t *testing.T) {
	fx := newFixture(t, models.StrategyCPUStandby)
	fx.policies.policy.RegionalVolume.VolumeID = ""

	r, err := fx.orch.CheckReadiness(context.Background(), "machine-9")
	require.NoError(t, err)

	assert.False(t, r.WarmPoolReady)
	assert.True(t, r.CPUStandbyReady)
	assert.Contains(t, r.RecommendedAction, "cpu_standby")
}

func TestCheckReadinessDisabled(t *testing.T) {
	fx := newFixture(t, models.StrategyDisabled)

	r, err := fx.orch.CheckReadiness(context.Background(), "machine-9")
	require.NoError(t, err)
	assert.Contains(t, r.RecommendedAction, "disabled")

	_, err = fx.orch.CheckReadiness(context.Background(), "")
	require.Error(t, err)
}

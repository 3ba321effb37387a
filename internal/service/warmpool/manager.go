// Package warmpool keeps a stopped standby GPU on the same physical host
// as each protected primary, both attached to one shared volume. Promoting
// the standby after a primary failure recovers the workspace in roughly
// the time the host needs to start a container, which beats re-renting
// and restoring from a snapshot by an order of magnitude.
package warmpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultHealthInterval is how often each primary is probed
	DefaultHealthInterval = 10 * time.Second

	// DefaultFailThreshold is how many consecutive probe failures
	// trigger a failover
	DefaultFailThreshold = 3

	// DefaultVolumeSizeGB sizes the shared volume when the policy
	// does not say otherwise
	DefaultVolumeSizeGB = 50

	// DefaultPromoteTimeout bounds the wait for a promoted standby's SSH
	DefaultPromoteTimeout = 120 * time.Second

	// DefaultPromoteInterval is the poll cadence during that wait
	DefaultPromoteInterval = 2 * time.Second

	// DefaultMountPoint is where the shared volume appears in containers
	DefaultMountPoint = "/workspace"
)

// State is a pool's position in its lifecycle
type State string

const (
	StateInactive     State = "inactive"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateFailingOver  State = "failing_over"
	StateError        State = "error"
)

// Marketplace is the read-only slice of the provider the pool consults.
// Rentals, resumes and destroys go through the lifecycle controller.
type Marketplace interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.GPUOffer, error)
	GetInstance(ctx context.Context, instanceID string) (*models.Instance, error)
}

// Volumes is the volume slice of the provider. Callers pass nil when the
// provider lacks volume support, and Provision refuses.
type Volumes interface {
	CreateVolume(ctx context.Context, req provider.CreateVolumeRequest) (*models.Volume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
}

// Lifecycle is the slice of the lifecycle controller the pool drives
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*models.Instance, error)
	Destroy(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
	Resume(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
}

// Prober checks SSH liveness
type Prober interface {
	ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) (string, error)
}

// pool is the tracked state for one machine. Guarded by Manager.mu.
type pool struct {
	machineID string
	state     State
	cfg       models.WarmPoolConfig

	volumeID  string
	primaryID string
	standbyID string

	fails      int
	probeEvery time.Duration
	nextProbe  time.Time
	updatedAt  time.Time
}

// PoolStatus is a point-in-time snapshot for operators
type PoolStatus struct {
	MachineID        string    `json:"machine_id"`
	State            State     `json:"state"`
	VolumeID         string    `json:"volume_id,omitempty"`
	PrimaryID        string    `json:"primary_id,omitempty"`
	StandbyID        string    `json:"standby_id,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Promotion is the outcome of one warm pool failover
type Promotion struct {
	MachineID    string        `json:"machine_id"`
	OldPrimaryID string        `json:"old_primary_id"`
	NewPrimaryID string        `json:"new_primary_id"`
	SSHHost      string        `json:"ssh_host"`
	SSHPort      int           `json:"ssh_port"`
	Duration     time.Duration `json:"duration"`
}

// Manager provisions and watches warm pools. One pool per machine; at
// most one standby per pool.
type Manager struct {
	market    Marketplace
	volumes   Volumes
	lifecycle Lifecycle
	prober    Prober
	journal   *resilience.Journal
	audit     *resilience.AuditLog
	logger    *slog.Logger

	image        string
	diskGB       float64
	mountPoint   string
	sshUser      string
	sshKey       string
	sshPublicKey string

	healthInterval  time.Duration
	failThreshold   int
	volumeSizeGB    int
	promoteTimeout  time.Duration
	promoteInterval time.Duration

	mu      sync.Mutex
	pools   map[string]*pool
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// For time mocking in tests
	now func() time.Time
}

// Option configures the manager
type Option func(*Manager)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With("component", "warmpool")
	}
}

// WithJournal records pool resources for crash-safe cleanup while a
// provision is in flight
func WithJournal(j *resilience.Journal) Option {
	return func(m *Manager) {
		m.journal = j
	}
}

// WithAuditLog mirrors pool transitions into the audit trail
func WithAuditLog(a *resilience.AuditLog) Option {
	return func(m *Manager) {
		m.audit = a
	}
}

// WithImage sets the container image and disk allocation for pool rentals
func WithImage(image string, diskGB float64) Option {
	return func(m *Manager) {
		m.image = image
		m.diskGB = diskGB
	}
}

// WithMountPoint overrides where the shared volume mounts
func WithMountPoint(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.mountPoint = path
		}
	}
}

// WithSSHCredentials sets the credentials injected into rentals and used
// by health probes
func WithSSHCredentials(user, privateKey, publicKey string) Option {
	return func(m *Manager) {
		m.sshUser = user
		m.sshKey = privateKey
		m.sshPublicKey = publicKey
	}
}

// WithHealthInterval overrides the default probe cadence
func WithHealthInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthInterval = d
		}
	}
}

// WithFailThreshold overrides the default consecutive-failure threshold
func WithFailThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failThreshold = n
		}
	}
}

// WithVolumeSize overrides the default shared volume size
func WithVolumeSize(gb int) Option {
	return func(m *Manager) {
		if gb > 0 {
			m.volumeSizeGB = gb
		}
	}
}

// WithPromoteTimeout bounds the SSH wait after starting a standby
func WithPromoteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.promoteTimeout = d
		}
	}
}

// WithPromoteInterval sets the poll cadence during the SSH wait
func WithPromoteInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.promoteInterval = d
		}
	}
}

// WithTimeFunc overrides the clock for tests
func WithTimeFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a warm pool manager. The health loop does not start until
// Start is called.
func New(market Marketplace, volumes Volumes, lc Lifecycle, prober Prober, opts ...Option) *Manager {
	m := &Manager{
		market:          market,
		volumes:         volumes,
		lifecycle:       lc,
		prober:          prober,
		logger:          slog.Default().With("component", "warmpool"),
		mountPoint:      DefaultMountPoint,
		healthInterval:  DefaultHealthInterval,
		failThreshold:   DefaultFailThreshold,
		volumeSizeGB:    DefaultVolumeSizeGB,
		promoteTimeout:  DefaultPromoteTimeout,
		promoteInterval: DefaultPromoteInterval,
		pools:           make(map[string]*pool),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Provision builds a pool on the given machine: one shared volume, a
// running primary and a stopped standby, all three journaled until the
// set is complete. The machine needs two rentable slots.
func (m *Manager) Provision(ctx context.Context, machineID string, cfg models.WarmPoolConfig) (*PoolStatus, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine_id is required")
	}
	if m.volumes == nil {
		return nil, ErrVolumesUnsupported
	}
	cfg = m.fillConfig(cfg)

	m.mu.Lock()
	if _, exists := m.pools[machineID]; exists {
		m.mu.Unlock()
		return nil, &PoolExistsError{MachineID: machineID}
	}
	p := &pool{
		machineID:  machineID,
		state:      StateProvisioning,
		cfg:        cfg,
		probeEvery: time.Duration(cfg.HealthIntervalS) * time.Second,
		updatedAt:  m.now(),
	}
	m.pools[machineID] = p
	m.mu.Unlock()
	metrics.UpdateWarmPoolState("", string(StateProvisioning))

	m.logger.Info("provisioning warm pool",
		slog.String("machine_id", machineID),
		slog.Int("volume_size_gb", cfg.VolumeSizeGB))

	journalID := "warmpool-" + machineID

	offers, err := m.hostOffers(ctx, machineID, cfg.MaxStandbyPriceHour)
	if err != nil {
		return nil, m.abortProvision(ctx, machineID, journalID, fmt.Errorf("searching offers: %w", err))
	}
	if len(offers) < 2 {
		return nil, m.abortProvision(ctx, machineID, journalID,
			&InsufficientSlotsError{MachineID: machineID, OffersFound: len(offers)})
	}

	vol, err := m.volumes.CreateVolume(ctx, provider.CreateVolumeRequest{
		SizeGB:    cfg.VolumeSizeGB,
		MachineID: machineID,
		Label:     models.WarmPoolLabel(machineID, "volume"),
	})
	if err != nil {
		return nil, m.abortProvision(ctx, machineID, journalID, fmt.Errorf("creating shared volume: %w", err))
	}
	if m.journal != nil {
		m.journal.Record(journalID, resilience.Resource{
			Kind: resilience.ResourceVolume,
			ID:   vol.ID,
			Note: "warm pool shared volume",
		})
	}

	primary, err := m.rent(ctx, offers[0], machineID, "primary", vol.ID, false)
	if err != nil {
		return nil, m.abortProvision(ctx, machineID, journalID, fmt.Errorf("renting primary: %w", err))
	}
	standby, err := m.rent(ctx, offers[1], machineID, "standby", vol.ID, true)
	if err != nil {
		return nil, m.abortProvision(ctx, machineID, journalID, fmt.Errorf("renting standby: %w", err))
	}

	if m.journal != nil {
		m.journal.Commit(journalID)
	}

	m.mu.Lock()
	p.volumeID = vol.ID
	p.primaryID = primary.ID
	p.standbyID = standby.ID
	p.fails = 0
	p.nextProbe = m.now().Add(p.probeEvery)
	m.transition(p, StateActive)
	status := m.snapshot(p)
	m.mu.Unlock()

	m.logger.Info("warm pool active",
		slog.String("machine_id", machineID),
		slog.String("primary_id", primary.ID),
		slog.String("standby_id", standby.ID),
		slog.String("volume_id", vol.ID))
	logging.Audit(ctx, "warmpool_provision",
		"machine_id", machineID,
		"primary_id", primary.ID,
		"standby_id", standby.ID)
	m.auditPool(machineID, primary.ID, "pool_provisioned", true,
		fmt.Sprintf("primary %s, standby %s, volume %s", primary.ID, standby.ID, vol.ID))

	return &status, nil
}

// Failover destroys the primary, starts the standby, waits for its SSH
// and promotes it. The pool must be active with a standby on hand. Only
// one failover per machine runs at a time; a second request while one is
// in flight gets NotReadyError.
func (m *Manager) Failover(ctx context.Context, machineID string) (*Promotion, error) {
	m.mu.Lock()
	p := m.pools[machineID]
	if p == nil {
		m.mu.Unlock()
		return nil, &PoolNotFoundError{MachineID: machineID}
	}
	if p.state != StateActive || p.standbyID == "" {
		state := p.state
		m.mu.Unlock()
		return nil, &NotReadyError{MachineID: machineID, State: state}
	}
	oldPrimary := p.primaryID
	standby := p.standbyID
	reprovision := p.cfg.ReprovisionStandby
	m.transition(p, StateFailingOver)
	m.mu.Unlock()

	start := m.now()
	m.logger.Warn("warm pool failover starting",
		slog.String("machine_id", machineID),
		slog.String("primary_id", oldPrimary),
		slog.String("standby_id", standby))

	// The primary's host may be the thing that failed, so a destroy
	// error only gets logged. The orphan scanner sweeps stragglers.
	if err := m.lifecycle.Destroy(ctx, oldPrimary, lifecycle.ActionRequest{
		Reason:       fmt.Sprintf("warm pool failover on machine %s: primary unhealthy", machineID),
		CallerSource: models.CallerWarmPoolFailover,
	}); err != nil {
		m.logger.Warn("failed to destroy unhealthy primary",
			slog.String("instance_id", oldPrimary),
			slog.String("error", err.Error()))
	}

	if err := m.lifecycle.Resume(ctx, standby, lifecycle.ActionRequest{
		Reason:       fmt.Sprintf("warm pool failover on machine %s: promoting standby", machineID),
		CallerSource: models.CallerWarmPoolFailover,
	}); err != nil {
		return nil, m.abortFailover(machineID, standby, fmt.Errorf("starting standby: %w", err))
	}

	inst, err := m.awaitSSH(ctx, standby)
	if err != nil {
		return nil, m.abortFailover(machineID, standby, err)
	}

	m.mu.Lock()
	p = m.pools[machineID]
	if p == nil {
		m.mu.Unlock()
		return nil, &PoolNotFoundError{MachineID: machineID}
	}
	p.primaryID = standby
	p.standbyID = ""
	p.fails = 0
	p.nextProbe = m.now().Add(p.probeEvery)
	m.transition(p, StateActive)
	m.mu.Unlock()

	duration := m.now().Sub(start)
	metrics.RecordWarmPoolFailover("success")
	m.logger.Info("warm pool standby promoted",
		slog.String("machine_id", machineID),
		slog.String("new_primary_id", standby),
		slog.Duration("duration", duration))
	logging.Audit(ctx, "warmpool_failover",
		"machine_id", machineID,
		"old_primary_id", oldPrimary,
		"new_primary_id", standby,
		"duration_ms", duration.Milliseconds())
	m.auditPool(machineID, standby, "standby_promoted", true,
		fmt.Sprintf("replaced %s in %s", oldPrimary, duration.Round(time.Millisecond)))

	if reprovision {
		go m.reprovisionStandby(context.WithoutCancel(ctx), machineID)
	}

	return &Promotion{
		MachineID:    machineID,
		OldPrimaryID: oldPrimary,
		NewPrimaryID: standby,
		SSHHost:      inst.SSHHost,
		SSHPort:      inst.SSHPort,
		Duration:     duration,
	}, nil
}

// Deprovision tears a pool down: both instances and the shared volume.
// Teardown is best-effort; the first error is reported but later steps
// still run.
func (m *Manager) Deprovision(ctx context.Context, machineID string) error {
	m.mu.Lock()
	p := m.pools[machineID]
	if p == nil {
		m.mu.Unlock()
		return &PoolNotFoundError{MachineID: machineID}
	}
	if p.state == StateFailingOver {
		m.mu.Unlock()
		return &NotReadyError{MachineID: machineID, State: StateFailingOver}
	}
	delete(m.pools, machineID)
	metrics.UpdateWarmPoolState(string(p.state), "")
	primary, standby, volumeID := p.primaryID, p.standbyID, p.volumeID
	m.mu.Unlock()

	var firstErr error
	for _, id := range []string{standby, primary} {
		if id == "" {
			continue
		}
		err := m.lifecycle.Destroy(ctx, id, lifecycle.ActionRequest{
			Reason:       fmt.Sprintf("warm pool on machine %s deprovisioned", machineID),
			CallerSource: models.CallerWarmPoolManager,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroying %s: %w", id, err)
		}
	}
	if volumeID != "" && m.volumes != nil {
		if err := m.volumes.DeleteVolume(ctx, volumeID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting volume %s: %w", volumeID, err)
		}
	}

	m.logger.Info("warm pool deprovisioned", slog.String("machine_id", machineID))
	m.auditPool(machineID, primary, "pool_deprovisioned", firstErr == nil, "")
	return firstErr
}

// Ready reports whether the pool can serve a failover right now
func (m *Manager) Ready(machineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pools[machineID]
	return p != nil && p.state == StateActive && p.standbyID != ""
}

// Status returns a snapshot of one pool
func (m *Manager) Status(machineID string) (*PoolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pools[machineID]
	if p == nil {
		return nil, &PoolNotFoundError{MachineID: machineID}
	}
	s := m.snapshot(p)
	return &s, nil
}

// List returns snapshots of every pool, ordered by machine ID
func (m *Manager) List() []PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolStatus, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, m.snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// KnownInstanceIDs lists every rental the pools own, including pools in
// error state whose instances an operator still has to look at. The
// orphan scanner treats these as claimed.
func (m *Manager) KnownInstanceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, p := range m.pools {
		if p.primaryID != "" {
			ids = append(ids, p.primaryID)
		}
		if p.standbyID != "" {
			ids = append(ids, p.standbyID)
		}
	}
	return ids
}

// Start launches the health loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("warm pool health loop starting",
		slog.Duration("interval", m.healthInterval))

	go m.run(ctx)
	return nil
}

// Stop gracefully stops the health loop
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	m.logger.Info("warm pool health loop stopping")
	close(stopCh)
	<-doneCh

	m.logger.Info("warm pool health loop stopped")
}

// IsRunning reports whether the health loop is active
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.doneCh)
	}()

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkOnce(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkOnce probes every active pool whose probe is due. Probes run
// outside the lock; stale results are discarded if the pool changed
// underneath them.
func (m *Manager) checkOnce(ctx context.Context) {
	type target struct {
		machineID string
		primaryID string
		threshold int
	}

	now := m.now()
	m.mu.Lock()
	var due []target
	for _, p := range m.pools {
		if p.state != StateActive || p.primaryID == "" {
			continue
		}
		if now.Before(p.nextProbe) {
			continue
		}
		p.nextProbe = now.Add(p.probeEvery)
		due = append(due, target{p.machineID, p.primaryID, p.cfg.FailThreshold})
	}
	m.mu.Unlock()

	for _, t := range due {
		healthy, detail := m.primaryHealthy(ctx, t.primaryID)

		m.mu.Lock()
		p := m.pools[t.machineID]
		if p == nil || p.state != StateActive || p.primaryID != t.primaryID {
			m.mu.Unlock()
			continue
		}
		if healthy {
			if p.fails > 0 {
				m.logger.Info("warm pool primary recovered",
					slog.String("machine_id", t.machineID),
					slog.Int("after_failures", p.fails))
			}
			p.fails = 0
			m.mu.Unlock()
			continue
		}
		p.fails++
		fails := p.fails
		m.mu.Unlock()

		m.logger.Warn("warm pool primary probe failed",
			slog.String("machine_id", t.machineID),
			slog.String("instance_id", t.primaryID),
			slog.Int("consecutive_fails", fails),
			slog.Int("threshold", t.threshold),
			slog.String("detail", detail))

		if fails >= t.threshold {
			m.logger.Error("CRITICAL: warm pool primary unhealthy, failing over",
				slog.String("machine_id", t.machineID),
				slog.String("instance_id", t.primaryID),
				slog.String("detail", detail))
			if _, err := m.Failover(ctx, t.machineID); err != nil {
				m.logger.Error("automatic warm pool failover failed",
					slog.String("machine_id", t.machineID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// primaryHealthy is one health verdict: provider status first, then SSH
func (m *Manager) primaryHealthy(ctx context.Context, instanceID string) (bool, string) {
	inst, err := m.market.GetInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Sprintf("lookup failed: %v", err)
	}
	if inst.ActualStatus == models.ActualFailed || inst.IsTerminal() {
		return false, fmt.Sprintf("actual_status=%s", inst.ActualStatus)
	}
	if !inst.HasSSH() {
		return false, "no ssh endpoint"
	}
	if _, err := m.prober.ProbeOnce(ctx, inst.SSHHost, inst.SSHPort, m.sshUser, m.sshKey); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// awaitSSH polls a starting instance until its SSH answers
func (m *Manager) awaitSSH(ctx context.Context, instanceID string) (*models.Instance, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.promoteTimeout)
	defer cancel()

	var lastErr error
	for {
		inst, err := m.market.GetInstance(waitCtx, instanceID)
		switch {
		case err != nil:
			lastErr = err
		case inst.ActualStatus == models.ActualFailed:
			return nil, fmt.Errorf("standby %s reported failed while starting", instanceID)
		case inst.HasSSH():
			_, perr := m.prober.ProbeOnce(waitCtx, inst.SSHHost, inst.SSHPort, m.sshUser, m.sshKey)
			if perr == nil {
				return inst, nil
			}
			lastErr = perr
		default:
			lastErr = fmt.Errorf("status %s, no ssh endpoint yet", inst.ActualStatus)
		}

		select {
		case <-waitCtx.Done():
			if lastErr == nil {
				lastErr = waitCtx.Err()
			}
			return nil, fmt.Errorf("standby %s never became reachable: %w", instanceID, lastErr)
		case <-time.After(m.promoteInterval):
		}
	}
}

// reprovisionStandby rents a fresh stopped standby after a promotion.
// Runs detached from the failover; losing this rental only costs the
// next failover its head start.
func (m *Manager) reprovisionStandby(ctx context.Context, machineID string) {
	m.mu.Lock()
	p := m.pools[machineID]
	if p == nil || p.state != StateActive || p.standbyID != "" {
		m.mu.Unlock()
		return
	}
	cfg := p.cfg
	volumeID := p.volumeID
	m.mu.Unlock()

	m.logger.Info("reprovisioning warm pool standby", slog.String("machine_id", machineID))

	offers, err := m.hostOffers(ctx, machineID, cfg.MaxStandbyPriceHour)
	if err != nil {
		m.logger.Warn("offer search for replacement standby failed",
			slog.String("machine_id", machineID),
			slog.String("error", err.Error()))
		return
	}
	if len(offers) == 0 {
		m.logger.Warn("no offers for replacement standby",
			slog.String("machine_id", machineID))
		return
	}
	inst, err := m.rent(ctx, offers[0], machineID, "standby", volumeID, true)
	if err != nil {
		m.logger.Warn("failed to rent replacement standby",
			slog.String("machine_id", machineID),
			slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	p = m.pools[machineID]
	if p == nil || p.state != StateActive || p.standbyID != "" {
		m.mu.Unlock()
		// The pool moved on while we were renting
		if err := m.lifecycle.Destroy(ctx, inst.ID, lifecycle.ActionRequest{
			Reason:       fmt.Sprintf("warm pool standby on machine %s superseded", machineID),
			CallerSource: models.CallerWarmPoolManager,
		}); err != nil {
			m.logger.Warn("failed to destroy superseded standby",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()))
		}
		return
	}
	p.standbyID = inst.ID
	p.updatedAt = m.now()
	m.mu.Unlock()

	m.logger.Info("warm pool standby reprovisioned",
		slog.String("machine_id", machineID),
		slog.String("standby_id", inst.ID))
	m.auditPool(machineID, inst.ID, "standby_reprovisioned", true, "")
}

// fillConfig applies manager defaults to zero-valued policy fields
func (m *Manager) fillConfig(cfg models.WarmPoolConfig) models.WarmPoolConfig {
	if cfg.VolumeSizeGB <= 0 {
		cfg.VolumeSizeGB = m.volumeSizeGB
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = m.failThreshold
	}
	if cfg.HealthIntervalS <= 0 {
		cfg.HealthIntervalS = int(m.healthInterval / time.Second)
	}
	return cfg
}

// hostOffers returns the machine's rentable slots, cheapest first
func (m *Manager) hostOffers(ctx context.Context, machineID string, maxPrice float64) ([]models.GPUOffer, error) {
	offers, err := m.market.SearchOffers(ctx, models.OfferFilter{
		MaxPrice:    maxPrice,
		MinGPUSlots: 2,
	})
	if err != nil {
		return nil, err
	}
	var onHost []models.GPUOffer
	for _, o := range offers {
		if o.MachineID == machineID {
			onHost = append(onHost, o)
		}
	}
	sort.Slice(onHost, func(i, j int) bool { return onHost[i].PricePerHour < onHost[j].PricePerHour })
	return onHost, nil
}

func (m *Manager) rent(ctx context.Context, offer models.GPUOffer, machineID, role, volumeID string, stopped bool) (*models.Instance, error) {
	return m.lifecycle.Create(ctx, lifecycle.CreateRequest{
		Rental: provider.CreateInstanceRequest{
			OfferID:      offer.ID,
			Image:        m.image,
			DiskGB:       m.diskGB,
			OnStart:      fmt.Sprintf("mkdir -p %s", m.mountPoint),
			Label:        models.WarmPoolLabel(machineID, role),
			SSHPublicKey: m.sshPublicKey,
			VolumeID:     volumeID,
			MountPoint:   m.mountPoint,
			StartStopped: stopped,
		},
		ActionRequest: lifecycle.ActionRequest{
			Reason:       fmt.Sprintf("warm pool %s on machine %s", role, machineID),
			CallerSource: models.CallerWarmPoolManager,
		},
	})
}

// abortProvision unwinds a half-built pool: journal rollback, then the
// map entry disappears so the machine can be retried.
func (m *Manager) abortProvision(ctx context.Context, machineID, journalID string, cause error) error {
	if m.journal != nil {
		m.journal.Rollback(context.WithoutCancel(ctx), journalID)
	}

	m.mu.Lock()
	if p := m.pools[machineID]; p != nil {
		delete(m.pools, machineID)
		metrics.UpdateWarmPoolState(string(p.state), "")
	}
	m.mu.Unlock()

	m.logger.Error("warm pool provisioning failed",
		slog.String("machine_id", machineID),
		slog.String("error", cause.Error()))
	m.auditPool(machineID, "", "pool_provisioned", false, cause.Error())
	return fmt.Errorf("provisioning warm pool on machine %s: %w", machineID, cause)
}

// abortFailover parks the pool in error state for an operator. The
// standby (in whatever half-started shape) stays rented and listed in
// KnownInstanceIDs so nothing sweeps the evidence.
func (m *Manager) abortFailover(machineID, standbyID string, cause error) error {
	m.mu.Lock()
	if p := m.pools[machineID]; p != nil {
		m.transition(p, StateError)
	}
	m.mu.Unlock()

	metrics.RecordWarmPoolFailover("failure")
	m.logger.Error("CRITICAL: warm pool failover failed, pool needs operator attention",
		slog.String("machine_id", machineID),
		slog.String("standby_id", standbyID),
		slog.String("error", cause.Error()))
	m.auditPool(machineID, standbyID, "standby_promoted", false, cause.Error())
	return fmt.Errorf("warm pool failover on machine %s: %w", machineID, cause)
}

// transition moves a pool between states and keeps the gauge honest.
// Callers hold m.mu.
func (m *Manager) transition(p *pool, next State) {
	if p.state == next {
		return
	}
	metrics.UpdateWarmPoolState(string(p.state), string(next))
	p.state = next
	p.updatedAt = m.now()
}

func (m *Manager) snapshot(p *pool) PoolStatus {
	return PoolStatus{
		MachineID:        p.machineID,
		State:            p.state,
		VolumeID:         p.volumeID,
		PrimaryID:        p.primaryID,
		StandbyID:        p.standbyID,
		ConsecutiveFails: p.fails,
		UpdatedAt:        p.updatedAt,
	}
}

func (m *Manager) auditPool(machineID, instanceID, action string, success bool, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(resilience.AuditRecord{
		Category:   resilience.AuditWarmPool,
		Action:     action,
		InstanceID: instanceID,
		MachineID:  machineID,
		Success:    success,
		Detail:     detail,
	}); err != nil {
		m.logger.Error("failed to audit warm pool transition", slog.String("error", err.Error()))
	}
}

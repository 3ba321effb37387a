package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// fakeFleet plays the marketplace, the volume backend and the lifecycle
// controller at once, so one fixture can watch every side of a pool
// operation. Instances get unique SSH hosts ("<id>.host") so the prober
// can tell a promoted standby apart from the primary it replaced.
type fakeFleet struct {
	mu        sync.Mutex
	offers    []models.GPUOffer
	instances map[string]*models.Instance
	volumes   map[string]*models.Volume
	seq       int

	failCreateAt int // 1-based Create call that fails; 0 means never
	resumeErr    error
	destroyErr   error
	volumeErr    error

	createCalls    int
	created        []string
	destroyed      []string
	resumed        []string
	deletedVolumes []string
}

func newFakeFleet(offers ...models.GPUOffer) *fakeFleet {
	return &fakeFleet{
		offers:    offers,
		instances: make(map[string]*models.Instance),
		volumes:   make(map[string]*models.Volume),
	}
}

func (f *fakeFleet) SearchOffers(_ context.Context, filter models.OfferFilter) ([]models.GPUOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GPUOffer
	for _, o := range f.offers {
		if o.MatchesFilter(filter) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeFleet) GetInstance(_ context.Context, id string) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeFleet) CreateVolume(_ context.Context, req provider.CreateVolumeRequest) (*models.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volumeErr != nil {
		return nil, f.volumeErr
	}
	f.seq++
	vol := &models.Volume{
		ID:        fmt.Sprintf("vol-%d", f.seq),
		MachineID: req.MachineID,
		SizeGB:    req.SizeGB,
		Label:     req.Label,
	}
	f.volumes[vol.ID] = vol
	cp := *vol
	return &cp, nil
}

func (f *fakeFleet) DeleteVolume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, id)
	f.deletedVolumes = append(f.deletedVolumes, id)
	return nil
}

func (f *fakeFleet) Create(_ context.Context, req lifecycle.CreateRequest) (*models.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreateAt > 0 && f.createCalls >= f.failCreateAt {
		return nil, provider.ErrOfferUnavailable
	}
	var machineID string
	for _, o := range f.offers {
		if o.ID == req.Rental.OfferID {
			machineID = o.MachineID
		}
	}
	f.seq++
	inst := &models.Instance{
		ID:           fmt.Sprintf("i-%d", f.seq),
		OfferID:      req.Rental.OfferID,
		MachineID:    machineID,
		Provider:     "fakemarket",
		ActualStatus: models.ActualRunning,
		Label:        req.Rental.Label,
		VolumeID:     req.Rental.VolumeID,
	}
	if req.Rental.StartStopped {
		inst.ActualStatus = models.ActualStopped
	} else {
		inst.SSHHost = inst.ID + ".host"
		inst.SSHPort = 22
	}
	f.instances[inst.ID] = inst
	f.created = append(f.created, inst.ID)
	cp := *inst
	return &cp, nil
}

func (f *fakeFleet) Destroy(_ context.Context, id string, _ lifecycle.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.instances, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeFleet) Resume(_ context.Context, id string, _ lifecycle.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return provider.ErrInstanceNotFound
	}
	inst.ActualStatus = models.ActualRunning
	inst.SSHHost = id + ".host"
	inst.SSHPort = 22
	f.resumed = append(f.resumed, id)
	return nil
}

// DestroyForRollback lets the cleanup journal unwind through the fake
func (f *fakeFleet) DestroyForRollback(ctx context.Context, id, reason string) error {
	return f.Destroy(ctx, id, lifecycle.ActionRequest{Reason: reason, CallerSource: models.CallerSystem})
}

func (f *fakeFleet) instance(id string) (models.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return models.Instance{}, false
	}
	return *inst, true
}

func (f *fakeFleet) volume(id string) (models.Volume, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vol, ok := f.volumes[id]
	if !ok {
		return models.Volume{}, false
	}
	return *vol, true
}

func (f *fakeFleet) setStatus(id string, status models.ActualStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.ActualStatus = status
	}
}

func (f *fakeFleet) instanceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

func (f *fakeFleet) volumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

func (f *fakeFleet) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeFleet) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

func (f *fakeFleet) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func (f *fakeFleet) deletedVolumeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletedVolumes...)
}

// fakeProber fails hosts on demand
type fakeProber struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{fail: make(map[string]error), calls: make(map[string]int)}
}

func (p *fakeProber) ProbeOnce(_ context.Context, host string, _ int, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[host]++
	if err := p.fail[host]; err != nil {
		return "", err
	}
	return "14:02:11 up 3 min", nil
}

func (p *fakeProber) setFailing(host string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[host] = err
}

func (p *fakeProber) setHealthy(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fail, host)
}

func (p *fakeProber) callCount(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[host]
}

// fakeClock drives the health scheduler deterministically
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func hostOffer(id, machineID string, price float64, slots int) models.GPUOffer {
	return models.GPUOffer{
		ID:           id,
		MachineID:    machineID,
		Provider:     "fakemarket",
		GPUName:      "RTX 4090",
		NumGPUs:      1,
		GPURAMMb:     24000,
		PricePerHour: price,
		Reliability:  0.95,
		MachineType:  models.MachineOnDemand,
		DiskGB:       200,
		GPUSlots:     slots,
	}
}

func newTestManager(fleet *fakeFleet, prober *fakeProber, opts ...Option) *Manager {
	base := []Option{
		WithImage("pytorch/pytorch:latest", 20),
		WithSSHCredentials("root", "test-key", "ssh-rsa AAAA test"),
		WithPromoteTimeout(250 * time.Millisecond),
		WithPromoteInterval(time.Millisecond),
	}
	return New(fleet, fleet, fleet, prober, append(base, opts...)...)
}

func TestProvisionBuildsPoolSet(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
		hostOffer("o-3", "m-2", 0.10, 2),
	)
	journal := resilience.NewJournal(nil, slog.Default())
	journal.SetInstanceDestroyer(fleet)
	journal.SetVolumeDeleter(fleet)
	m := newTestManager(fleet, newFakeProber(), WithJournal(journal))

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{Enabled: true, VolumeSizeGB: 10})
	require.NoError(t, err)
	assert.Equal(t, StateActive, status.State)

	vol, ok := fleet.volume(status.VolumeID)
	require.True(t, ok)
	assert.Equal(t, "m-1", vol.MachineID)
	assert.Equal(t, 10, vol.SizeGB)

	primary, ok := fleet.instance(status.PrimaryID)
	require.True(t, ok)
	assert.Equal(t, "o-2", primary.OfferID, "cheapest slot should become the primary")
	assert.Equal(t, models.ActualRunning, primary.ActualStatus)
	assert.Equal(t, models.WarmPoolLabel("m-1", "primary"), primary.Label)
	assert.Equal(t, status.VolumeID, primary.VolumeID)

	standby, ok := fleet.instance(status.StandbyID)
	require.True(t, ok)
	assert.Equal(t, "o-1", standby.OfferID)
	assert.Equal(t, models.ActualStopped, standby.ActualStatus)
	assert.Equal(t, models.WarmPoolLabel("m-1", "standby"), standby.Label)
	assert.Equal(t, status.VolumeID, standby.VolumeID)

	assert.True(t, m.Ready("m-1"))
	assert.ElementsMatch(t, []string{status.PrimaryID, status.StandbyID}, m.KnownInstanceIDs())
	assert.Empty(t, journal.Pending(), "committed pool should leave no journal group behind")
}

func TestProvisionRequiresTwoSlots(t *testing.T) {
	fleet := newFakeFleet(hostOffer("o-1", "m-1", 0.40, 2))
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.Error(t, err)

	var slotsErr *InsufficientSlotsError
	require.ErrorAs(t, err, &slotsErr)
	assert.Equal(t, "m-1", slotsErr.MachineID)
	assert.Equal(t, 1, slotsErr.OffersFound)

	assert.Zero(t, fleet.createCount())
	assert.Zero(t, fleet.volumeCount())

	_, err = m.Status("m-1")
	var notFound *PoolNotFoundError
	assert.ErrorAs(t, err, &notFound, "failed provision must not leave a pool entry")
}

func TestProvisionIgnoresSingleSlotHosts(t *testing.T) {
	// Two offers, but the host only reports one free slot: the search
	// filter drops them before they can be paired.
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 1),
		hostOffer("o-2", "m-1", 0.30, 1),
	)
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	var slotsErr *InsufficientSlotsError
	require.ErrorAs(t, err, &slotsErr)
	assert.Zero(t, slotsErr.OffersFound)
}

func TestProvisionTwiceRejected(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	_, err = m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	var exists *PoolExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "m-1", exists.MachineID)
}

func TestProvisionWithoutVolumeSupport(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := New(fleet, nil, fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	assert.ErrorIs(t, err, ErrVolumesUnsupported)
}

func TestProvisionRollsBackOnStandbyFailure(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	fleet.failCreateAt = 2 // primary rents, standby does not

	journal := resilience.NewJournal(nil, slog.Default())
	journal.SetInstanceDestroyer(fleet)
	journal.SetVolumeDeleter(fleet)
	m := newTestManager(fleet, newFakeProber(), WithJournal(journal))

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrOfferUnavailable)

	assert.Zero(t, fleet.instanceCount(), "rollback should destroy the rented primary")
	assert.Zero(t, fleet.volumeCount(), "rollback should delete the shared volume")
	assert.Empty(t, journal.Pending())

	_, err = m.Status("m-1")
	var notFound *PoolNotFoundError
	assert.ErrorAs(t, err, &notFound, "machine should be retryable after a failed provision")
}

func TestProvisionVolumeFailureLeavesNothing(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	fleet.volumeErr = errors.New("volume quota exceeded")
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volume quota exceeded")
	assert.Zero(t, fleet.createCount())
}

func TestFailoverPromotesStandby(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	oldPrimary, standby := status.PrimaryID, status.StandbyID

	promo, err := m.Failover(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, oldPrimary, promo.OldPrimaryID)
	assert.Equal(t, standby, promo.NewPrimaryID)
	assert.Equal(t, standby+".host", promo.SSHHost)
	assert.Equal(t, 22, promo.SSHPort)

	assert.Contains(t, fleet.destroyedIDs(), oldPrimary)
	assert.Contains(t, fleet.resumedIDs(), standby)

	st, err := m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, standby, st.PrimaryID)
	assert.Empty(t, st.StandbyID)
	assert.False(t, m.Ready("m-1"), "no standby left until reprovisioning")
}

func TestFailoverUnknownMachine(t *testing.T) {
	m := newTestManager(newFakeFleet(), newFakeProber())

	_, err := m.Failover(context.Background(), "m-none")
	var notFound *PoolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "m-none", notFound.MachineID)
}

func TestFailoverRequiresStandby(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	_, err = m.Failover(context.Background(), "m-1")
	require.NoError(t, err)

	// The standby was just consumed
	_, err = m.Failover(context.Background(), "m-1")
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, StateActive, notReady.State)
}

func TestFailoverSurvivesPrimaryDestroyError(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	// A dead host often refuses the destroy too; promotion must not care
	fleet.destroyErr = provider.ErrServiceUnavailable

	promo, err := m.Failover(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, status.StandbyID, promo.NewPrimaryID)
}

func TestFailoverResumeFailureParksPool(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	fleet.resumeErr = errors.New("host refused start")

	promo, err := m.Failover(context.Background(), "m-1")
	require.Error(t, err)
	assert.Nil(t, promo)
	assert.Contains(t, err.Error(), "host refused start")

	st, err := m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
	assert.False(t, m.Ready("m-1"))
	assert.Contains(t, m.KnownInstanceIDs(), status.StandbyID,
		"half-started standby stays claimed so nothing sweeps the evidence")
}

func TestFailoverTimesOutWhenStandbyNeverAnswers(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	prober := newFakeProber()
	m := newTestManager(fleet, prober, WithPromoteTimeout(50*time.Millisecond))

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	prober.setFailing(status.StandbyID+".host", errors.New("connection refused"))

	_, err = m.Failover(context.Background(), "m-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never became reachable")
	assert.Contains(t, err.Error(), "connection refused")

	st, err := m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, StateError, st.State)
}

func TestHealthLoopFailsOverAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	prober := newFakeProber()
	m := newTestManager(fleet, prober, WithTimeFunc(clock.Now), WithFailThreshold(2))

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	prober.setFailing(status.PrimaryID+".host", errors.New("dial timeout"))

	// First probe is not due until a full interval after provisioning
	m.checkOnce(context.Background())
	assert.Zero(t, prober.callCount(status.PrimaryID+".host"))

	clock.Advance(11 * time.Second)
	m.checkOnce(context.Background())
	st, err := m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFails)
	assert.Equal(t, StateActive, st.State)

	clock.Advance(11 * time.Second)
	m.checkOnce(context.Background())

	st, err = m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State, "failover should complete and return to active")
	assert.Equal(t, status.StandbyID, st.PrimaryID)
	assert.Contains(t, fleet.destroyedIDs(), status.PrimaryID)
}

func TestHealthLoopResetsAfterRecovery(t *testing.T) {
	clock := newFakeClock()
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	prober := newFakeProber()
	m := newTestManager(fleet, prober, WithTimeFunc(clock.Now))

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	host := status.PrimaryID + ".host"

	prober.setFailing(host, errors.New("dial timeout"))
	clock.Advance(11 * time.Second)
	m.checkOnce(context.Background())

	st, _ := m.Status("m-1")
	assert.Equal(t, 1, st.ConsecutiveFails)

	prober.setHealthy(host)
	clock.Advance(11 * time.Second)
	m.checkOnce(context.Background())

	st, _ = m.Status("m-1")
	assert.Zero(t, st.ConsecutiveFails, "a healthy probe resets the streak")
	assert.Equal(t, status.PrimaryID, st.PrimaryID)
	assert.Empty(t, fleet.resumedIDs())
}

func TestHealthLoopTreatsFailedStatusAsUnhealthy(t *testing.T) {
	clock := newFakeClock()
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber(), WithTimeFunc(clock.Now), WithFailThreshold(1))

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	// No probe needed: the marketplace already says the host failed
	fleet.setStatus(status.PrimaryID, models.ActualFailed)

	clock.Advance(11 * time.Second)
	m.checkOnce(context.Background())

	st, err := m.Status("m-1")
	require.NoError(t, err)
	assert.Equal(t, status.StandbyID, st.PrimaryID)
	assert.Equal(t, StateActive, st.State)
}

func TestReprovisionStandbyRefillsPool(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
		hostOffer("o-3", "m-1", 0.50, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)
	_, err = m.Failover(context.Background(), "m-1")
	require.NoError(t, err)
	require.False(t, m.Ready("m-1"))

	m.reprovisionStandby(context.Background(), "m-1")

	st, err := m.Status("m-1")
	require.NoError(t, err)
	require.NotEmpty(t, st.StandbyID)

	standby, ok := fleet.instance(st.StandbyID)
	require.True(t, ok)
	assert.Equal(t, models.ActualStopped, standby.ActualStatus)
	assert.Equal(t, models.WarmPoolLabel("m-1", "standby"), standby.Label)
	assert.Equal(t, status.VolumeID, standby.VolumeID, "replacement attaches the original shared volume")
	assert.True(t, m.Ready("m-1"))
}

func TestReprovisionSkipsWhenStandbyPresent(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	m.reprovisionStandby(context.Background(), "m-1")
	assert.Equal(t, 2, fleet.createCount(), "pool already has a standby, nothing to rent")
}

func TestDeprovisionTearsDownEverything(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-1", 0.40, 2),
		hostOffer("o-2", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	status, err := m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	require.NoError(t, m.Deprovision(context.Background(), "m-1"))

	assert.ElementsMatch(t, []string{status.PrimaryID, status.StandbyID}, fleet.destroyedIDs())
	assert.Contains(t, fleet.deletedVolumeIDs(), status.VolumeID)
	assert.Empty(t, m.KnownInstanceIDs())
	assert.False(t, m.Ready("m-1"))

	_, err = m.Status("m-1")
	var notFound *PoolNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDeprovisionUnknownMachine(t *testing.T) {
	m := newTestManager(newFakeFleet(), newFakeProber())

	err := m.Deprovision(context.Background(), "m-none")
	var notFound *PoolNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestListOrdersPools(t *testing.T) {
	fleet := newFakeFleet(
		hostOffer("o-1", "m-2", 0.40, 2),
		hostOffer("o-2", "m-2", 0.30, 2),
		hostOffer("o-3", "m-1", 0.40, 2),
		hostOffer("o-4", "m-1", 0.30, 2),
	)
	m := newTestManager(fleet, newFakeProber())

	_, err := m.Provision(context.Background(), "m-2", models.WarmPoolConfig{})
	require.NoError(t, err)
	_, err = m.Provision(context.Background(), "m-1", models.WarmPoolConfig{})
	require.NoError(t, err)

	pools := m.List()
	require.Len(t, pools, 2)
	assert.Equal(t, "m-1", pools[0].MachineID)
	assert.Equal(t, "m-2", pools[1].MachineID)
}

func TestStartStop(t *testing.T) {
	m := newTestManager(newFakeFleet(), newFakeProber(), WithHealthInterval(10*time.Millisecond))

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Start(context.Background()), "second start is a no-op")

	m.Stop()
	assert.False(t, m.IsRunning())
	m.Stop() // safe to repeat
}

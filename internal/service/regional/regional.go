// Package regional moves a workload's persistent volume onto a freshly
// rented GPU in the same region. Warm pools cannot help when the whole
// host dies; the volume outlives the host, so recovery is renting any
// healthy machine nearby and attaching it.
package regional

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultTimeout bounds the wait for the replacement to come up
	DefaultTimeout = 300 * time.Second

	// DefaultPollInterval is how often the replacement's status is checked
	DefaultPollInterval = 3 * time.Second

	// DefaultMountPoint is where the volume appears when the policy is silent
	DefaultMountPoint = "/workspace"

	// maxRentAttempts bounds how many offers one failover will try when
	// rentals keep getting sniped
	maxRentAttempts = 5
)

// Marketplace is the read-only slice of the provider this service consults
type Marketplace interface {
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.GPUOffer, error)
	GetInstance(ctx context.Context, instanceID string) (*models.Instance, error)
}

// Lifecycle is the slice of the lifecycle controller this service drives
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*models.Instance, error)
	Destroy(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
}

// Prober checks SSH liveness of the replacement
type Prober interface {
	ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) (string, error)
}

// Request is one volume move
type Request struct {
	Config        models.RegionalVolumeConfig
	OldInstanceID string // destroyed after success when Config.DestroyOld is set
	Reason        string
	CallerSource  models.CallerSource

	// JournalID groups the replacement rental under a caller-owned cleanup
	// group. Empty means this service owns the group: commit on success,
	// rollback on failure.
	JournalID string
}

// Result is a completed move
type Result struct {
	NewInstanceID string        `json:"new_instance_id"`
	SSHHost       string        `json:"ssh_host"`
	SSHPort       int           `json:"ssh_port"`
	GPUName       string        `json:"gpu_name,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Service rents region-local replacements and re-attaches volumes
type Service struct {
	market    Marketplace
	lifecycle Lifecycle
	prober    Prober // nil trusts the marketplace's status alone
	journal   *resilience.Journal
	audit     *resilience.AuditLog
	logger    *slog.Logger

	image        string
	diskGB       float64
	sshUser      string
	sshKey       string
	sshPublicKey string
	pollInterval time.Duration

	// For time mocking in tests
	now func() time.Time
}

// Option configures the service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("component", "regional")
	}
}

// WithJournal records the replacement rental for crash-safe cleanup
func WithJournal(j *resilience.Journal) Option {
	return func(s *Service) {
		s.journal = j
	}
}

// WithAuditLog mirrors move outcomes into the audit trail
func WithAuditLog(a *resilience.AuditLog) Option {
	return func(s *Service) {
		s.audit = a
	}
}

// WithImage sets the container image and disk allocation for replacements
func WithImage(image string, diskGB float64) Option {
	return func(s *Service) {
		s.image = image
		s.diskGB = diskGB
	}
}

// WithSSHPublicKey injects a key into replacement rentals
func WithSSHPublicKey(key string) Option {
	return func(s *Service) {
		s.sshPublicKey = key
	}
}

// WithProber gates readiness on an SSH probe with the given identity.
// The old instance holds the volume's last good host, so it is not torn
// down on the word of a marketplace status field alone.
func WithProber(p Prober, user, privateKey string) Option {
	return func(s *Service) {
		s.prober = p
		s.sshUser = user
		s.sshKey = privateKey
	}
}

// WithPollInterval sets the status poll cadence during the ready wait
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTimeFunc overrides the clock for tests
func WithTimeFunc(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a regional failover service
func New(market Marketplace, lc Lifecycle, opts ...Option) *Service {
	s := &Service{
		market:       market,
		lifecycle:    lc,
		logger:       slog.Default().With("component", "regional"),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Failover rents a GPU in the volume's region, attaches the volume, waits
// for the instance to come up and optionally destroys the old one. The
// old instance is never touched before the replacement is usable.
func (s *Service) Failover(ctx context.Context, req Request) (*Result, error) {
	cfg := req.Config
	if cfg.VolumeID == "" {
		return nil, fmt.Errorf("volume_id is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if req.Reason == "" {
		return nil, lifecycle.ErrReasonRequired
	}
	if !req.CallerSource.Valid() {
		return nil, &lifecycle.InvalidCallerError{Source: req.CallerSource}
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = DefaultMountPoint
	}
	timeout := DefaultTimeout
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}

	journalID := req.JournalID
	ownJournal := journalID == ""
	if ownJournal {
		journalID = "regional-" + uuid.New().String()[:8]
	}

	start := s.now()
	s.logger.Info("regional volume failover starting",
		slog.String("volume_id", cfg.VolumeID),
		slog.String("region", cfg.Region),
		slog.Float64("min_reliability", cfg.MinReliability),
		slog.Int("preferred_gpus", len(cfg.PreferredGPUs)))

	offers, err := s.regionOffers(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("searching region %s: %w", cfg.Region, err)
	}
	if len(offers) == 0 {
		return nil, &NoOffersError{Region: cfg.Region, VolumeID: cfg.VolumeID}
	}

	inst, err := s.rentReplacement(ctx, offers, cfg, req)
	if err != nil {
		return nil, err
	}
	if s.journal != nil {
		s.journal.Record(journalID, resilience.Resource{
			Kind: resilience.ResourceInstance,
			ID:   inst.ID,
			Note: "regional replacement for volume " + cfg.VolumeID,
		})
	}

	ready, err := s.awaitReady(ctx, inst.ID, timeout)
	if err != nil {
		// The rental exists but never came up. Destroy it inline; the
		// journal entry tolerates the double delete.
		s.destroyQuietly(ctx, inst.ID, req.CallerSource,
			fmt.Sprintf("regional failover: replacement for volume %s never became ready", cfg.VolumeID))
		if ownJournal && s.journal != nil {
			s.journal.Rollback(context.WithoutCancel(ctx), journalID)
		}
		s.auditMove(cfg.VolumeID, inst.ID, false, err.Error())
		return nil, fmt.Errorf("replacement %s in region %s: %w", inst.ID, cfg.Region, err)
	}

	if cfg.DestroyOld && req.OldInstanceID != "" {
		// Best effort: the old host is likely the thing that failed
		s.destroyQuietly(ctx, req.OldInstanceID, req.CallerSource,
			fmt.Sprintf("regional failover: volume %s moved to %s", cfg.VolumeID, ready.ID))
	}

	if ownJournal && s.journal != nil {
		s.journal.Commit(journalID)
	}

	duration := s.now().Sub(start)
	metrics.RecordProvisioningDuration(ready.Provider, duration)
	s.logger.Info("regional volume failover complete",
		slog.String("volume_id", cfg.VolumeID),
		slog.String("new_instance_id", ready.ID),
		slog.String("gpu_name", ready.GPUName),
		slog.Duration("duration", duration))
	logging.Audit(ctx, "regional_failover",
		"volume_id", cfg.VolumeID,
		"new_instance_id", ready.ID,
		"region", cfg.Region,
		"duration_ms", duration.Milliseconds())
	s.auditMove(cfg.VolumeID, ready.ID, true,
		fmt.Sprintf("volume moved to %s in %s", ready.ID, duration.Round(time.Millisecond)))

	return &Result{
		NewInstanceID: ready.ID,
		SSHHost:       ready.SSHHost,
		SSHPort:       ready.SSHPort,
		GPUName:       ready.GPUName,
		Duration:      duration,
	}, nil
}

// regionOffers searches the region and applies the policy's filters,
// cheapest first
func (s *Service) regionOffers(ctx context.Context, cfg models.RegionalVolumeConfig) ([]models.GPUOffer, error) {
	offers, err := s.market.SearchOffers(ctx, models.OfferFilter{
		Geolocation:    cfg.Region,
		MinReliability: cfg.MinReliability,
		MinDiskGB:      s.diskGB,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.PreferredGPUs) > 0 {
		offers = lo.Filter(offers, func(o models.GPUOffer, _ int) bool {
			return lo.Contains(cfg.PreferredGPUs, o.GPUName)
		})
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].PricePerHour < offers[j].PricePerHour })
	return offers, nil
}

// rentReplacement walks the offer list until one rental sticks. Sniped
// offers are skipped; anything else aborts the move.
func (s *Service) rentReplacement(ctx context.Context, offers []models.GPUOffer, cfg models.RegionalVolumeConfig, req Request) (*models.Instance, error) {
	attempts := 0
	for _, offer := range offers {
		if attempts >= maxRentAttempts {
			break
		}
		attempts++

		inst, err := s.lifecycle.Create(ctx, lifecycle.CreateRequest{
			Rental: provider.CreateInstanceRequest{
				OfferID:      offer.ID,
				Image:        s.image,
				DiskGB:       s.diskGB,
				OnStart:      fmt.Sprintf("mkdir -p %s", cfg.MountPoint),
				Label:        models.RegionalLabel(cfg.VolumeID),
				SSHPublicKey: s.sshPublicKey,
				VolumeID:     cfg.VolumeID,
				MountPoint:   cfg.MountPoint,
			},
			ActionRequest: lifecycle.ActionRequest{
				Reason:       req.Reason,
				CallerSource: req.CallerSource,
			},
		})
		if err == nil {
			return inst, nil
		}
		if provider.IsOfferUnavailableError(err) {
			s.logger.Debug("offer gone before rental, trying next",
				slog.String("offer_id", offer.ID),
				slog.String("machine_id", offer.MachineID))
			continue
		}
		return nil, fmt.Errorf("renting offer %s: %w", offer.ID, err)
	}
	return nil, &NoOffersError{Region: cfg.Region, VolumeID: cfg.VolumeID, Tried: attempts}
}

// awaitReady polls until the instance runs with a published SSH endpoint
// and, when a prober is wired, until that endpoint actually answers
func (s *Service) awaitReady(ctx context.Context, instanceID string, timeout time.Duration) (*models.Instance, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastStatus models.ActualStatus
	var lastProbeErr string
	for {
		inst, err := s.market.GetInstance(waitCtx, instanceID)
		if err == nil {
			if inst.ActualStatus == models.ActualFailed {
				return nil, fmt.Errorf("replacement reported actual_status=failed")
			}
			if inst.IsUsable() {
				if s.prober == nil {
					return inst, nil
				}
				_, perr := s.prober.ProbeOnce(waitCtx, inst.SSHHost, inst.SSHPort, s.sshUser, s.sshKey)
				if perr == nil {
					return inst, nil
				}
				lastProbeErr = perr.Error()
			}
			lastStatus = inst.ActualStatus
		}

		select {
		case <-waitCtx.Done():
			detail := fmt.Sprintf("last status %q", lastStatus)
			if lastProbeErr != "" {
				detail += ", ssh: " + lastProbeErr
			}
			return nil, fmt.Errorf("not ready after %s (%s): %w", timeout, detail, waitCtx.Err())
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *Service) destroyQuietly(ctx context.Context, instanceID string, caller models.CallerSource, reason string) {
	err := s.lifecycle.Destroy(context.WithoutCancel(ctx), instanceID, lifecycle.ActionRequest{
		Reason:       reason,
		CallerSource: caller,
	})
	if err != nil {
		s.logger.Warn("best-effort destroy failed",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
	}
}

func (s *Service) auditMove(volumeID, instanceID string, success bool, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(resilience.AuditRecord{
		Category:   resilience.AuditFailover,
		Action:     "regional_volume_move",
		InstanceID: instanceID,
		Success:    success,
		Detail:     detail,
		Metadata:   map[string]string{"volume_id": volumeID},
	}); err != nil {
		s.logger.Error("failed to audit regional move", slog.String("error", err.Error()))
	}
}

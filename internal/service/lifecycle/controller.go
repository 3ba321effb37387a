package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// DefaultWorkspacePath is where instance workspaces live unless a request
// says otherwise
const DefaultWorkspacePath = "/workspace"

// callsitePrefix keeps this package's own frames out of caller_site so the
// event names the component that asked for the change
const callsitePrefix = "github.com/gpufleet/gpufleet/internal/service/lifecycle"

// EventStore persists lifecycle events
type EventStore interface {
	Append(ctx context.Context, event *models.LifecycleEvent) error
	List(ctx context.Context, query models.EventQuery) ([]*models.LifecycleEvent, error)
}

// SnapshotEngine captures and restores workspaces for hibernate and wake
type SnapshotEngine interface {
	Create(ctx context.Context, req snapshot.CreateRequest) (*models.Snapshot, error)
	Restore(ctx context.Context, req snapshot.RestoreRequest) (*models.RestoreResult, error)
	LatestRestorable(ctx context.Context, instanceID string) (*models.Snapshot, error)
}

// ProvisionRequest describes the replacement GPU a wake needs
type ProvisionRequest struct {
	MinGPURAMMb  int
	MaxPrice     float64
	DiskGB       float64
	Image        string
	OnStart      string
	Reason       string
	CallerSource models.CallerSource
	JournalID    string
}

// Provisioner acquires a fresh GPU for Wake. The race provisioner is bound
// through SetProvisioner at startup; it cannot be a constructor argument
// because the provisioner itself rents and destroys through this controller.
type Provisioner interface {
	ProvisionReplacement(ctx context.Context, req ProvisionRequest) (*models.Instance, error)
}

// Controller is the only path that changes instance state. Every operation
// demands a non-empty reason and an enumerated caller source, resolves the
// prior state from the provider, and appends exactly one LifecycleEvent
// before returning, success or failure.
type Controller struct {
	provider  provider.InstanceProvider
	events    EventStore
	audit     *resilience.AuditLog
	snapshots SnapshotEngine
	logger    *slog.Logger

	sshUser string
	sshKey  string

	// For time mocking in tests
	now func() time.Time

	mu          sync.RWMutex
	provisioner Provisioner
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With("component", "lifecycle")
	}
}

// WithAuditLog mirrors every event into the envelope's audit log
func WithAuditLog(audit *resilience.AuditLog) Option {
	return func(c *Controller) {
		c.audit = audit
	}
}

// WithSnapshots enables hibernate and wake
func WithSnapshots(engine SnapshotEngine) Option {
	return func(c *Controller) {
		c.snapshots = engine
	}
}

// WithSSHCredentials sets the fleet SSH identity used to reach workspaces
func WithSSHCredentials(user, privateKey string) Option {
	return func(c *Controller) {
		c.sshUser = user
		c.sshKey = privateKey
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(c *Controller) {
		c.now = fn
	}
}

// NewController creates the lifecycle controller
func NewController(prov provider.InstanceProvider, events EventStore, opts ...Option) *Controller {
	c := &Controller{
		provider: prov,
		events:   events,
		logger:   slog.Default().With("component", "lifecycle"),
		sshUser:  "root",
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetProvisioner wires the race provisioner for Wake. Bound at startup.
func (c *Controller) SetProvisioner(p Provisioner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisioner = p
}

func (c *Controller) getProvisioner() Provisioner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provisioner
}

// ActionRequest carries the audit fields every state change must provide
type ActionRequest struct {
	Reason       string
	CallerSource models.CallerSource
	UserID       string
	Metadata     map[string]string
}

func (r ActionRequest) validate() error {
	if strings.TrimSpace(r.Reason) == "" {
		return ErrReasonRequired
	}
	if !r.CallerSource.Valid() {
		return &InvalidCallerError{Source: r.CallerSource}
	}
	return nil
}

// CreateRequest rents a new instance
type CreateRequest struct {
	Rental   provider.CreateInstanceRequest
	BidPrice float64 // >0 rents the offer as an interruptible bid
	ActionRequest
}

// Create rents an offer through the provider and records the outcome.
// The returned instance may still be provisioning; callers poll or probe.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*models.Instance, error) {
	if err := req.ActionRequest.validate(); err != nil {
		return nil, err
	}

	var (
		inst  *models.Instance
		opErr error
	)
	if req.BidPrice > 0 {
		inst, opErr = c.provider.CreateInstanceBid(ctx, req.Rental, req.BidPrice)
	} else {
		inst, opErr = c.provider.CreateInstance(ctx, req.Rental)
	}

	ev := &models.LifecycleEvent{
		Action:       models.ActionCreate,
		CallerSource: req.CallerSource,
		UserID:       req.UserID,
		Reason:       req.Reason,
		Metadata:     mergeMeta(req.Metadata, "offer_id", req.Rental.OfferID),
	}
	if inst != nil {
		ev.InstanceID = inst.ID
		ev.NewStatus = string(inst.ActualStatus)
	}
	c.append(ctx, ev, opErr)
	if opErr != nil {
		return nil, opErr
	}

	metrics.RecordInstanceCreated(inst.Provider)
	metrics.UpdateInstanceStatus(inst.Provider, "", string(inst.ActualStatus))
	return inst, nil
}

// Destroy tears down an instance. An instance the provider no longer knows
// counts as destroyed; everything else surfaces as the original error after
// the event is written.
func (c *Controller) Destroy(ctx context.Context, instanceID string, req ActionRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if instanceID == "" {
		return ErrInstanceIDRequired
	}

	prev, provName := c.resolveStatus(ctx, instanceID)

	opErr := c.provider.DestroyInstance(ctx, instanceID)
	alreadyGone := false
	if opErr != nil && provider.IsNotFoundError(opErr) {
		alreadyGone = true
		opErr = nil
	}

	ev := &models.LifecycleEvent{
		InstanceID:     instanceID,
		Action:         models.ActionDestroy,
		PreviousStatus: prev,
		CallerSource:   req.CallerSource,
		UserID:         req.UserID,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	}
	if alreadyGone {
		ev.Metadata = mergeMeta(ev.Metadata, "already_gone", "true")
	}
	if opErr == nil {
		ev.NewStatus = string(models.ActualDestroyed)
	}
	c.append(ctx, ev, opErr)
	if opErr != nil {
		metrics.RecordDestroyFailure()
		return opErr
	}

	metrics.RecordInstanceDestroyed(provName, string(req.CallerSource))
	metrics.UpdateInstanceStatus(provName, prev, string(models.ActualDestroyed))
	return nil
}

// DestroyForRollback satisfies the cleanup journal's destroyer hook, so
// journal rollbacks go through the same chokepoint and leave the same
// audit trail as every other destruction.
func (c *Controller) DestroyForRollback(ctx context.Context, instanceID, reason string) error {
	return c.Destroy(ctx, instanceID, ActionRequest{
		Reason:       reason,
		CallerSource: models.CallerSystem,
	})
}

// Pause asks the marketplace to stop the instance. The host keeps the
// disk; billing for the slot continues. Distinct from Hibernate.
func (c *Controller) Pause(ctx context.Context, instanceID string, req ActionRequest) error {
	return c.transition(ctx, instanceID, req, models.ActionPause, string(models.ActualStopped), c.provider.PauseInstance)
}

// Resume asks the marketplace to start a stopped instance
func (c *Controller) Resume(ctx context.Context, instanceID string, req ActionRequest) error {
	return c.transition(ctx, instanceID, req, models.ActionResume, string(models.ActualRunning), c.provider.ResumeInstance)
}

func (c *Controller) transition(ctx context.Context, instanceID string, req ActionRequest, action models.LifecycleAction, newStatus string, op func(context.Context, string) error) error {
	if err := req.validate(); err != nil {
		return err
	}
	if instanceID == "" {
		return ErrInstanceIDRequired
	}

	prev, provName := c.resolveStatus(ctx, instanceID)

	opErr := op(ctx, instanceID)

	ev := &models.LifecycleEvent{
		InstanceID:     instanceID,
		Action:         action,
		PreviousStatus: prev,
		CallerSource:   req.CallerSource,
		UserID:         req.UserID,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	}
	if opErr == nil {
		ev.NewStatus = newStatus
	}
	c.append(ctx, ev, opErr)
	if opErr != nil {
		return opErr
	}

	metrics.UpdateInstanceStatus(provName, prev, newStatus)
	return nil
}

// HibernateRequest captures the workspace before the instance is destroyed
type HibernateRequest struct {
	WorkspacePath string
	SnapshotKind  models.SnapshotKind // default incremental
	OwnerID       string
	ActionRequest
}

// Hibernate snapshots the workspace and then destroys the instance. One
// event records both halves; its snapshot_id is what Wake later restores.
// Not a Pause: the slot is released and billing stops.
func (c *Controller) Hibernate(ctx context.Context, instanceID string, req HibernateRequest) (*models.Snapshot, error) {
	if err := req.ActionRequest.validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}
	if c.snapshots == nil {
		return nil, ErrSnapshotsUnavailable
	}

	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = DefaultWorkspacePath
	}

	var (
		snap     *models.Snapshot
		opErr    error
		prev     string
		provName = c.provider.Name()
	)

	inst, err := c.provider.GetInstance(ctx, instanceID)
	switch {
	case err != nil:
		opErr = fmt.Errorf("resolving instance: %w", err)
	case !inst.HasSSH():
		opErr = &SSHUnavailableError{InstanceID: instanceID}
	default:
		prev = string(inst.ActualStatus)
		provName = inst.Provider

		kind := req.SnapshotKind
		if kind == "" {
			kind = models.SnapshotIncremental
		}
		owner := req.OwnerID
		if owner == "" {
			owner = req.UserID
		}
		if owner == "" {
			owner = "system"
		}

		snap, opErr = c.snapshots.Create(ctx, snapshot.CreateRequest{
			InstanceID:    instanceID,
			OwnerID:       owner,
			Kind:          kind,
			WorkspacePath: workspace,
			Creds:         c.credentials(inst),
		})
		if opErr == nil {
			opErr = c.provider.DestroyInstance(ctx, instanceID)
			if opErr != nil && provider.IsNotFoundError(opErr) {
				opErr = nil
			}
		}
	}

	ev := &models.LifecycleEvent{
		InstanceID:     instanceID,
		Action:         models.ActionHibernate,
		PreviousStatus: prev,
		CallerSource:   req.CallerSource,
		UserID:         req.UserID,
		Reason:         req.Reason,
		Metadata:       req.Metadata,
	}
	if snap != nil {
		ev.SnapshotID = snap.ID
	}
	if opErr == nil {
		ev.NewStatus = string(models.ActualDestroyed)
	}
	c.append(ctx, ev, opErr)
	if opErr != nil {
		return nil, opErr
	}

	metrics.RecordInstanceDestroyed(provName, "hibernate")
	metrics.UpdateInstanceStatus(provName, prev, string(models.ActualDestroyed))
	return snap, nil
}

// ProvisionSpec bounds the replacement rental a wake issues
type ProvisionSpec struct {
	MinGPURAMMb int
	MaxPrice    float64
	DiskGB      float64
	Image       string
	OnStart     string
}

// WakeRequest revives a hibernated instance onto fresh hardware
type WakeRequest struct {
	WorkspacePath string
	SnapshotID    string // empty = latest restorable for the instance
	Provision     ProvisionSpec
	ActionRequest
}

// Wake rents a replacement GPU through the race provisioner and restores
// the hibernation snapshot onto it. The wake event stays keyed by the old
// instance ID; the replacement's ID lands in the event metadata.
func (c *Controller) Wake(ctx context.Context, instanceID string, req WakeRequest) (*models.Instance, error) {
	if err := req.ActionRequest.validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}
	if c.snapshots == nil {
		return nil, ErrSnapshotsUnavailable
	}
	prov := c.getProvisioner()
	if prov == nil {
		return nil, ErrProvisionerUnavailable
	}

	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = DefaultWorkspacePath
	}

	ev := &models.LifecycleEvent{
		InstanceID:   instanceID,
		Action:       models.ActionWake,
		CallerSource: req.CallerSource,
		UserID:       req.UserID,
		Reason:       req.Reason,
		Metadata:     req.Metadata,
	}

	// Resolve the snapshot before renting anything: no point paying for a
	// GPU we cannot restore onto.
	snapID := req.SnapshotID
	if snapID == "" {
		snap, err := c.snapshots.LatestRestorable(ctx, instanceID)
		if err != nil {
			opErr := &NotWakeableError{InstanceID: instanceID}
			c.append(ctx, ev, opErr)
			return nil, opErr
		}
		snapID = snap.ID
	}
	ev.SnapshotID = snapID

	newInst, opErr := prov.ProvisionReplacement(ctx, ProvisionRequest{
		MinGPURAMMb:  req.Provision.MinGPURAMMb,
		MaxPrice:     req.Provision.MaxPrice,
		DiskGB:       req.Provision.DiskGB,
		Image:        req.Provision.Image,
		OnStart:      req.Provision.OnStart,
		Reason:       req.Reason,
		CallerSource: req.CallerSource,
	})
	if opErr != nil {
		c.append(ctx, ev, fmt.Errorf("provisioning replacement: %w", opErr))
		return nil, opErr
	}
	ev.Metadata = mergeMeta(ev.Metadata, "new_instance_id", newInst.ID)

	restored, opErr := c.snapshots.Restore(ctx, snapshot.RestoreRequest{
		SnapshotID:    snapID,
		InstanceID:    instanceID,
		WorkspacePath: workspace,
		Creds:         c.credentials(newInst),
	})
	if opErr != nil {
		// The replacement is useless without its workspace; release it
		if dErr := c.Destroy(ctx, newInst.ID, ActionRequest{
			Reason:       "wake restore failed",
			CallerSource: models.CallerSystem,
		}); dErr != nil {
			c.logger.Error("failed to destroy replacement after restore failure",
				"instance_id", newInst.ID,
				"error", dErr)
		}
		c.append(ctx, ev, fmt.Errorf("restoring snapshot %s: %w", snapID, opErr))
		return nil, opErr
	}

	ev.NewStatus = string(models.ActualRunning)
	ev.Metadata = mergeMeta(ev.Metadata, "files_restored", fmt.Sprintf("%d", restored.FilesRestored))
	c.append(ctx, ev, nil)

	return newInst, nil
}

// History returns lifecycle events for operators
func (c *Controller) History(ctx context.Context, query models.EventQuery) ([]*models.LifecycleEvent, error) {
	return c.events.List(ctx, query)
}

// resolveStatus asks the provider for the instance's current state.
// Not-found is tolerated: the event records an empty previous status.
func (c *Controller) resolveStatus(ctx context.Context, instanceID string) (status, providerName string) {
	inst, err := c.provider.GetInstance(ctx, instanceID)
	if err != nil {
		if !provider.IsNotFoundError(err) {
			c.logger.Warn("could not resolve instance state",
				"instance_id", instanceID,
				"error", err)
		}
		return "", c.provider.Name()
	}
	return string(inst.ActualStatus), inst.Provider
}

// append writes the event exactly once per operation, stamping the caller
// site from the first stack frame outside this package. Append failures
// are logged loudly but never mask the provider error.
func (c *Controller) append(ctx context.Context, ev *models.LifecycleEvent, opErr error) {
	ev.ID = uuid.New().String()
	ev.CreatedAt = c.now().UTC()
	ev.CallerSite = logging.Callsite(callsitePrefix)
	ev.Success = opErr == nil
	if opErr != nil {
		ev.ReasonDetails = opErr.Error()
	}

	if err := c.events.Append(ctx, ev); err != nil {
		c.logger.Error("CRITICAL: lifecycle event append failed",
			"instance_id", ev.InstanceID,
			"action", string(ev.Action),
			"error", err)
	}

	if c.audit != nil {
		detail := ev.Reason
		if ev.ReasonDetails != "" {
			detail = ev.Reason + ": " + ev.ReasonDetails
		}
		if err := c.audit.Append(resilience.AuditRecord{
			Category:   resilience.AuditLifecycle,
			Action:     string(ev.Action),
			InstanceID: ev.InstanceID,
			SnapshotID: ev.SnapshotID,
			Success:    ev.Success,
			Detail:     detail,
			Metadata:   map[string]string{"caller_source": string(ev.CallerSource)},
		}); err != nil {
			c.logger.Error("failed to mirror lifecycle event to audit log", "error", err)
		}
	}

	logging.Audit(ctx, "lifecycle_"+string(ev.Action),
		"instance_id", ev.InstanceID,
		"success", ev.Success,
		"caller_source", string(ev.CallerSource),
		"caller_site", ev.CallerSite,
		"reason", ev.Reason)
}

func (c *Controller) credentials(inst *models.Instance) snapshot.Credentials {
	return snapshot.Credentials{
		Host:       inst.SSHHost,
		Port:       inst.SSHPort,
		User:       c.sshUser,
		PrivateKey: c.sshKey,
	}
}

func mergeMeta(meta map[string]string, key, value string) map[string]string {
	if value == "" {
		return meta
	}
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[key] = value
	return meta
}

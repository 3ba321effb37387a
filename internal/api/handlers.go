package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/failover"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ExecuteFailoverRequest triggers a recovery for a failing GPU
type ExecuteFailoverRequest struct {
	MachineID     string `json:"machine_id" binding:"required"`
	GPUInstanceID string `json:"gpu_instance_id" binding:"required"`
	SSHHost       string `json:"ssh_host,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	ForceStrategy string `json:"force_strategy,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// CreateSnapshotRequest captures a workspace over SSH
type CreateSnapshotRequest struct {
	InstanceID    string `json:"instance_id" binding:"required"`
	OwnerID       string `json:"owner_id,omitempty"`
	Kind          string `json:"kind,omitempty"` // "incremental" (default) or "full"
	BaseID        string `json:"base_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	SSHHost       string `json:"ssh_host" binding:"required"`
	SSHPort       int    `json:"ssh_port" binding:"required"`
	RetentionDays int    `json:"retention_days,omitempty"`
	KeepForever   bool   `json:"keep_forever,omitempty"`
}

// RestoreSnapshotRequest restores a stored snapshot onto a host
type RestoreSnapshotRequest struct {
	InstanceID    string `json:"instance_id,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	SSHHost       string `json:"ssh_host" binding:"required"`
	SSHPort       int    `json:"ssh_port" binding:"required"`
}

// CleanupRequest runs a retention sweep
type CleanupRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

// CreateInstanceRequest rents a marketplace offer
type CreateInstanceRequest struct {
	OfferID      string            `json:"offer_id" binding:"required"`
	Image        string            `json:"image" binding:"required"`
	DiskGB       float64           `json:"disk_gb,omitempty"`
	OnStart      string            `json:"on_start,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Label        string            `json:"label,omitempty"`
	VolumeID     string            `json:"volume_id,omitempty"`
	MountPoint   string            `json:"mount_point,omitempty"`
	StartStopped bool              `json:"start_stopped,omitempty"`
	BidPrice     float64           `json:"bid_price,omitempty"`
	Reason       string            `json:"reason" binding:"required"`
	UserID       string            `json:"user_id,omitempty"`
}

// InstanceActionRequest carries the audit fields for destroy/pause/resume
type InstanceActionRequest struct {
	Reason string `json:"reason" binding:"required"`
	UserID string `json:"user_id,omitempty"`
}

// HibernateInstanceRequest snapshots a workspace and releases the GPU
type HibernateInstanceRequest struct {
	WorkspacePath string `json:"workspace_path,omitempty"`
	Kind          string `json:"kind,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	Reason        string `json:"reason" binding:"required"`
	UserID        string `json:"user_id,omitempty"`
}

// WakeInstanceRequest revives a hibernated workspace onto fresh hardware
type WakeInstanceRequest struct {
	WorkspacePath string  `json:"workspace_path,omitempty"`
	SnapshotID    string  `json:"snapshot_id,omitempty"`
	MinGPURAMMb   int     `json:"min_gpu_ram_mb,omitempty"`
	MaxPrice      float64 `json:"max_price,omitempty"`
	DiskGB        float64 `json:"disk_gb,omitempty"`
	Image         string  `json:"image,omitempty"`
	OnStart       string  `json:"on_start,omitempty"`
	Reason        string  `json:"reason" binding:"required"`
	UserID        string  `json:"user_id,omitempty"`
}

// ProvisionStandbyRequest rents a CPU standby box on the auxiliary provider
type ProvisionStandbyRequest struct {
	MachineType string `json:"machine_type" binding:"required"`
	Zone        string `json:"zone" binding:"required"`
	DiskGB      int    `json:"disk_gb,omitempty"`
	Label       string `json:"label,omitempty"`
}

// PolicyDocument is the wire form of a failover policy. Override is a
// pointer so an omitted field can default to true for machine rows.
type PolicyDocument struct {
	DefaultStrategy string                      `json:"default_strategy" binding:"required"`
	WarmPool        models.WarmPoolConfig       `json:"warm_pool"`
	RegionalVolume  models.RegionalVolumeConfig `json:"regional_volume"`
	CPUStandby      models.CPUStandbyConfig     `json:"cpu_standby"`
	Override        *bool                       `json:"override,omitempty"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if s.failover != nil {
		response.Services["failover"] = "ok"
	}
	if s.snapshots != nil {
		response.Services["snapshots"] = "ok"
	}
	if s.warmPools != nil && s.warmPools.IsRunning() {
		response.Services["warm_pools"] = "running"
	} else if s.warmPools != nil {
		response.Services["warm_pools"] = "stopped"
	}

	// Return 503 if not ready (e.g., during startup sweep)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// Failover

func (s *Server) handleExecuteFailover(c *gin.Context) {
	ctx := c.Request.Context()

	var req ExecuteFailoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if req.ForceStrategy != "" && !models.FailoverStrategy(req.ForceStrategy).Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("unknown force_strategy %q", req.ForceStrategy),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	record, err := s.failover.Execute(ctx, models.FailoverRequest{
		MachineID:     req.MachineID,
		InstanceID:    req.GPUInstanceID,
		SSHHost:       req.SSHHost,
		SSHPort:       req.SSHPort,
		WorkspacePath: req.WorkspacePath,
		ForceStrategy: models.FailoverStrategy(req.ForceStrategy),
		Reason:        req.Reason,
	})
	if err != nil {
		s.renderFailoverError(c, record, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// renderFailoverError maps orchestrator failures onto HTTP. Rate-limited
// machines get 429 with Retry-After; a tripped breaker is 503; exhausting
// every strategy is 502 with the persisted record attached.
func (s *Server) renderFailoverError(c *gin.Context, record *models.FailoverRecord, err error) {
	requestID := c.GetString("request_id")

	var rle *resilience.RateLimitError
	if errors.As(err, &rle) {
		retryAfter := int(math.Ceil(rle.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":         err.Error(),
			"machine_id":    rle.MachineID,
			"retry_after_s": retryAfter,
			"request_id":    requestID,
		})
		return
	}

	if resilience.IsCircuitOpen(err) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     err.Error(),
			RequestID: requestID,
		})
		return
	}

	if errors.Is(err, failover.ErrDisabled) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			RequestID: requestID,
		})
		return
	}

	var exhausted *failover.StrategiesExhaustedError
	if errors.As(err, &exhausted) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":      err.Error(),
			"record":     record,
			"request_id": requestID,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     err.Error(),
		RequestID: requestID,
	})
}

func (s *Server) handleFailoverReadiness(c *gin.Context) {
	ctx := c.Request.Context()
	machineID := c.Param("machine_id")

	readiness, err := s.failover.CheckReadiness(ctx, machineID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, readiness)
}

func (s *Server) handleListFailovers(c *gin.Context) {
	ctx := c.Request.Context()

	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "failover history not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	filter := storage.FailoverRecordFilter{
		MachineID: c.Query("machine_id"),
	}
	if v := c.Query("succeeded_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid succeeded_only: must be a boolean, got %q", v),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.SucceededOnly = b
	}
	limit, ok := s.queryInt(c, "limit")
	if !ok {
		return
	}
	filter.Limit = limit

	records, err := s.history.List(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failovers": records,
		"count":     len(records),
	})
}

// Snapshots

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	kind, err := parseSnapshotKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	snap, err := s.snapshots.Create(ctx, snapshot.CreateRequest{
		InstanceID:    req.InstanceID,
		OwnerID:       req.OwnerID,
		Kind:          kind,
		BaseID:        req.BaseID,
		WorkspacePath: req.WorkspacePath,
		RetentionDays: req.RetentionDays,
		KeepForever:   req.KeepForever,
		Creds: snapshot.Credentials{
			Host:       req.SSHHost,
			Port:       req.SSHPort,
			User:       s.sshUser,
			PrivateKey: s.sshKey,
		},
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleRestoreSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	snapshotID := c.Param("id")

	var req RestoreSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	result, err := s.snapshots.Restore(ctx, snapshot.RestoreRequest{
		SnapshotID:    snapshotID,
		InstanceID:    req.InstanceID,
		WorkspacePath: req.WorkspacePath,
		Creds: snapshot.Credentials{
			Host:       req.SSHHost,
			Port:       req.SSHPort,
			User:       s.sshUser,
			PrivateKey: s.sshKey,
		},
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, snapshot.ErrInsufficientDisk):
			// The caller picked the target host; the snapshot is fine
			status = http.StatusConflict
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	ctx := c.Request.Context()

	if s.catalog == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "snapshot catalog not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	filter := storage.SnapshotFilter{
		InstanceID: c.Query("instance_id"),
		OwnerID:    c.Query("owner_id"),
	}
	if v := c.Query("status"); v != "" {
		status := models.SnapshotStatus(v)
		switch status {
		case models.SnapshotActive, models.SnapshotPendingDeletion, models.SnapshotDeleted, models.SnapshotFailed:
			filter.Status = status
		default:
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("unknown snapshot status %q", v),
				RequestID: c.GetString("request_id"),
			})
			return
		}
	}
	if v := c.Query("kind"); v != "" {
		kind, err := parseSnapshotKind(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.Kind = kind
	}
	limit, ok := s.queryInt(c, "limit")
	if !ok {
		return
	}
	filter.Limit = limit

	snaps, err := s.catalog.List(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) handleSnapshotCleanup(c *gin.Context) {
	ctx := c.Request.Context()

	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "snapshot cleaner not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var req CleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     sanitizeValidationError(err),
				RequestID: c.GetString("request_id"),
			})
			return
		}
	}
	if v := c.Query("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid dry_run: must be a boolean, got %q", v),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		req.DryRun = b
	}

	result, err := s.sweeper.Sweep(ctx, req.DryRun)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Instance lifecycle

func (s *Server) handleCreateInstance(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	inst, err := s.instances.Create(ctx, lifecycle.CreateRequest{
		Rental: provider.CreateInstanceRequest{
			OfferID:      req.OfferID,
			Image:        req.Image,
			DiskGB:       req.DiskGB,
			OnStart:      req.OnStart,
			Env:          req.Env,
			Label:        req.Label,
			SSHPublicKey: s.sshPublicKey,
			VolumeID:     req.VolumeID,
			MountPoint:   req.MountPoint,
			StartStopped: req.StartStopped,
		},
		BidPrice: req.BidPrice,
		ActionRequest: lifecycle.ActionRequest{
			Reason:       req.Reason,
			CallerSource: models.CallerAPIUser,
			UserID:       req.UserID,
		},
	})
	if err != nil {
		s.renderLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleDestroyInstance(c *gin.Context) {
	s.instanceAction(c, "instance destroyed", s.instances.Destroy)
}

func (s *Server) handlePauseInstance(c *gin.Context) {
	s.instanceAction(c, "instance paused", s.instances.Pause)
}

func (s *Server) handleResumeInstance(c *gin.Context) {
	s.instanceAction(c, "instance resumed", s.instances.Resume)
}

// instanceAction handles the destroy/pause/resume trio: same request
// shape, same audit stamping, different controller call.
func (s *Server) instanceAction(c *gin.Context, message string, op func(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error) {
	ctx := c.Request.Context()
	instanceID := c.Param("id")

	var req InstanceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if err := op(ctx, instanceID, lifecycle.ActionRequest{
		Reason:       req.Reason,
		CallerSource: models.CallerAPIUser,
		UserID:       req.UserID,
	}); err != nil {
		s.renderLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     message,
		"instance_id": instanceID,
	})
}

func (s *Server) handleHibernateInstance(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("id")

	var req HibernateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	kind, err := parseSnapshotKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	snap, err := s.instances.Hibernate(ctx, instanceID, lifecycle.HibernateRequest{
		WorkspacePath: req.WorkspacePath,
		SnapshotKind:  kind,
		OwnerID:       req.OwnerID,
		ActionRequest: lifecycle.ActionRequest{
			Reason:       req.Reason,
			CallerSource: models.CallerAPIUser,
			UserID:       req.UserID,
		},
	})
	if err != nil {
		s.renderLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "instance hibernated",
		"instance_id": instanceID,
		"snapshot_id": snap.ID,
		"snapshot":    snap,
	})
}

func (s *Server) handleWakeInstance(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("id")

	var req WakeInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	inst, err := s.instances.Wake(ctx, instanceID, lifecycle.WakeRequest{
		WorkspacePath: req.WorkspacePath,
		SnapshotID:    req.SnapshotID,
		Provision: lifecycle.ProvisionSpec{
			MinGPURAMMb: req.MinGPURAMMb,
			MaxPrice:    req.MaxPrice,
			DiskGB:      req.DiskGB,
			Image:       req.Image,
			OnStart:     req.OnStart,
		},
		ActionRequest: lifecycle.ActionRequest{
			Reason:       req.Reason,
			CallerSource: models.CallerAPIUser,
			UserID:       req.UserID,
		},
	})
	if err != nil {
		s.renderLifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "instance woken",
		"instance_id": instanceID,
		"replacement": inst,
		"ssh_host":    inst.SSHHost,
		"ssh_port":    inst.SSHPort,
	})
}

// renderLifecycleError maps controller and provider failures onto HTTP
func (s *Server) renderLifecycleError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	var callerErr *lifecycle.InvalidCallerError
	var sshErr *lifecycle.SSHUnavailableError
	var wakeErr *lifecycle.NotWakeableError

	switch {
	case errors.Is(err, lifecycle.ErrReasonRequired),
		errors.Is(err, lifecycle.ErrInstanceIDRequired),
		errors.As(err, &callerErr),
		errors.Is(err, provider.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrSnapshotsUnavailable),
		errors.Is(err, lifecycle.ErrProvisionerUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &wakeErr),
		provider.IsNotFoundError(err),
		errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &sshErr):
		status = http.StatusConflict
	case provider.IsOfferUnavailableError(err):
		status = http.StatusServiceUnavailable
	case provider.IsInsufficientFundsError(err):
		status = http.StatusPaymentRequired
	case provider.IsRateLimitError(err):
		status = http.StatusTooManyRequests
	}

	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

// Failover policies

func (s *Server) handleListPolicies(c *gin.Context) {
	ctx := c.Request.Context()

	policies, err := s.policies.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleGetGlobalPolicy(c *gin.Context) {
	ctx := c.Request.Context()

	policy, err := s.policies.GetGlobal(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

func (s *Server) handlePutGlobalPolicy(c *gin.Context) {
	s.putPolicy(c, "")
}

func (s *Server) handleGetMachinePolicy(c *gin.Context) {
	ctx := c.Request.Context()
	machineID := c.Param("machine_id")

	policy, err := s.policies.GetMachine(ctx, machineID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

func (s *Server) handlePutMachinePolicy(c *gin.Context) {
	s.putPolicy(c, c.Param("machine_id"))
}

// putPolicy stores the global policy (machineID empty) or a per-machine
// row. PUTting a machine row defaults override to true: storing one and
// leaving it inert is almost always a mistake.
func (s *Server) putPolicy(c *gin.Context, machineID string) {
	ctx := c.Request.Context()

	var doc PolicyDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	strategy := models.FailoverStrategy(doc.DefaultStrategy)
	if !strategy.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("unknown default_strategy %q", doc.DefaultStrategy),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	override := machineID != ""
	if doc.Override != nil {
		override = *doc.Override
	}

	policy := &models.FailoverPolicy{
		MachineID:       machineID,
		DefaultStrategy: strategy,
		WarmPool:        doc.WarmPool,
		RegionalVolume:  doc.RegionalVolume,
		CPUStandby:      doc.CPUStandby,
		Override:        override,
	}
	if err := s.policies.Upsert(ctx, policy); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleDeleteMachinePolicy(c *gin.Context) {
	ctx := c.Request.Context()
	machineID := c.Param("machine_id")

	if err := s.policies.Delete(ctx, machineID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "machine policy removed",
		"machine_id": machineID,
	})
}

// Warm pools

func (s *Server) handleProvisionWarmPool(c *gin.Context) {
	ctx := c.Request.Context()
	machineID := c.Param("machine_id")

	if s.warmPools == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "warm pool manager not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var cfg models.WarmPoolConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	status, err := s.warmPools.Provision(ctx, machineID, cfg)
	if err != nil {
		c.JSON(warmPoolErrorStatus(err), ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusCreated, status)
}

func (s *Server) handleListWarmPools(c *gin.Context) {
	if s.warmPools == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "warm pool manager not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	pools := s.warmPools.List()
	c.JSON(http.StatusOK, gin.H{
		"pools":       pools,
		"count":       len(pools),
		"health_loop": s.warmPools.IsRunning(),
	})
}

func (s *Server) handleGetWarmPool(c *gin.Context) {
	if s.warmPools == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "warm pool manager not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	status, err := s.warmPools.Status(c.Param("machine_id"))
	if err != nil {
		c.JSON(warmPoolErrorStatus(err), ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDeprovisionWarmPool(c *gin.Context) {
	ctx := c.Request.Context()
	machineID := c.Param("machine_id")

	if s.warmPools == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "warm pool manager not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if err := s.warmPools.Deprovision(ctx, machineID); err != nil {
		c.JSON(warmPoolErrorStatus(err), ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "warm pool deprovisioned",
		"machine_id": machineID,
	})
}

func warmPoolErrorStatus(err error) int {
	var exists *warmpool.PoolExistsError
	var missing *warmpool.PoolNotFoundError
	var slots *warmpool.InsufficientSlotsError
	var notReady *warmpool.NotReadyError

	switch {
	case errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &exists), errors.As(err, &slots), errors.As(err, &notReady):
		return http.StatusConflict
	case errors.Is(err, warmpool.ErrVolumesUnsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Operator read surfaces

func (s *Server) handleListEvents(c *gin.Context) {
	ctx := c.Request.Context()

	query := models.EventQuery{
		InstanceID: c.Query("instance_id"),
		Action:     models.LifecycleAction(c.Query("action")),
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid since: expected RFC3339 timestamp, got %q", v),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		query.Since = since
	}
	limit, ok := s.queryInt(c, "limit")
	if !ok {
		return
	}
	query.Limit = limit

	events, err := s.instances.History(ctx, query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleListBlacklist(c *gin.Context) {
	if s.blacklist == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "blacklist not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	entries := s.blacklist.Entries()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	ctx := c.Request.Context()

	if s.balance == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "balance source not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	balance, err := s.balance.GetBalance(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// CPU standby instances

func (s *Server) handleListStandby(c *gin.Context) {
	ctx := c.Request.Context()

	if s.standby == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "standby provider not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	instances, err := s.standby.List(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleProvisionStandby(c *gin.Context) {
	ctx := c.Request.Context()

	if s.standby == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "standby provider not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var req ProvisionStandbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	inst, err := s.standby.Provision(ctx, provider.StandbyRequest{
		MachineType: req.MachineType,
		Zone:        req.Zone,
		DiskGB:      req.DiskGB,
		Label:       req.Label,
	})
	if err != nil {
		s.renderStandbyError(c, err)
		return
	}

	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleDestroyStandby(c *gin.Context) {
	ctx := c.Request.Context()

	if s.standby == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "standby provider not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	instanceID := c.Param("id")
	if err := s.standby.Destroy(ctx, instanceID); err != nil {
		s.renderStandbyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "standby instance destroyed",
		"instance_id": instanceID,
	})
}

func (s *Server) handleStandbyPricing(c *gin.Context) {
	ctx := c.Request.Context()

	if s.standby == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "standby provider not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	machineType := c.Query("machine_type")
	zone := c.Query("zone")
	if machineType == "" || zone == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "machine_type and zone query parameters are required",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	pricing, err := s.standby.GetSpotPricing(ctx, machineType, zone)
	if err != nil {
		s.renderStandbyError(c, err)
		return
	}

	c.JSON(http.StatusOK, pricing)
}

// renderStandbyError maps auxiliary provider failures onto HTTP. Upstream
// API trouble surfaces as 502 so callers can tell it from our own 500s.
func (s *Server) renderStandbyError(c *gin.Context, err error) {
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, provider.ErrValidation):
		status = http.StatusBadRequest
	case provider.IsNotFoundError(err):
		status = http.StatusNotFound
	case provider.IsRateLimitError(err):
		status = http.StatusTooManyRequests
	case provider.IsInsufficientFundsError(err):
		status = http.StatusPaymentRequired
	}

	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

// Helpers

// queryInt parses a non-negative integer query parameter. A second return
// of false means the response has already been written.
func (s *Server) queryInt(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid %s: must be a valid integer, got %q", name, v),
			RequestID: c.GetString("request_id"),
		})
		return 0, false
	}
	if n < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid %s: must be non-negative, got %d", name, n),
			RequestID: c.GetString("request_id"),
		})
		return 0, false
	}
	return n, true
}

func parseSnapshotKind(v string) (models.SnapshotKind, error) {
	switch v {
	case "", string(models.SnapshotIncremental):
		return models.SnapshotIncremental, nil
	case string(models.SnapshotFull):
		return models.SnapshotFull, nil
	default:
		return "", fmt.Errorf("unknown snapshot kind %q, expected %q or %q", v, models.SnapshotIncremental, models.SnapshotFull)
	}
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages to avoid leaking internal implementation details.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case
func toSnakeCase(s string) string {
	// Handle common field name mappings
	fieldMappings := map[string]string{
		"MachineID":     "machine_id",
		"GPUInstanceID": "gpu_instance_id",
		"InstanceID":    "instance_id",
		"OfferID":       "offer_id",
		"OwnerID":       "owner_id",
		"UserID":        "user_id",
		"SnapshotID":    "snapshot_id",
		"VolumeID":      "volume_id",
		"SSHHost":       "ssh_host",
		"SSHPort":       "ssh_port",
		"DiskGB":        "disk_gb",
		"OnStart":       "on_start",
		"MinGPURAMMb":   "min_gpu_ram_mb",
		"DryRun":        "dry_run",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	// Fallback: convert PascalCase to snake_case using regex
	re := regexp.MustCompile("([a-z0-9])([A-Z])")
	return strings.ToLower(re.ReplaceAllString(s, "${1}_${2}"))
}

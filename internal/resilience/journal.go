package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gpufleet/gpufleet/internal/metrics"
)

// ResourceKind identifies what a journal entry points at
type ResourceKind string

const (
	ResourceInstance ResourceKind = "instance"
	ResourceBlob     ResourceKind = "blob"
	ResourceVolume   ResourceKind = "volume"
	ResourceStandby  ResourceKind = "standby"
)

// Resource is one provisionally-owned artifact of an in-flight failover
type Resource struct {
	Kind ResourceKind
	ID   string // instance ID, blob key, volume ID, or standby ID
	Note string
}

// InstanceDestroyer tears down an instance during rollback. The
// lifecycle controller is injected here so journal rollbacks still go
// through the single destruction chokepoint.
type InstanceDestroyer interface {
	DestroyForRollback(ctx context.Context, instanceID, reason string) error
}

// BlobDeleter removes uploaded blob keys during rollback
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

// VolumeDeleter removes provisional volumes during rollback
type VolumeDeleter interface {
	DeleteVolume(ctx context.Context, volumeID string) error
}

// StandbyDestroyer removes provisional standby instances during rollback
type StandbyDestroyer interface {
	Destroy(ctx context.Context, instanceID string) error
}

// Journal tracks resources created by in-flight failovers so a failed
// attempt can be unwound instead of leaking paid instances and storage.
type Journal struct {
	mu      sync.Mutex
	entries map[string][]Resource

	instances InstanceDestroyer
	blobs     BlobDeleter
	volumes   VolumeDeleter
	standbys  StandbyDestroyer

	audit  *AuditLog
	logger *slog.Logger
}

// NewJournal creates an empty journal writing outcomes to audit
func NewJournal(audit *AuditLog, logger *slog.Logger) *Journal {
	return &Journal{
		entries: make(map[string][]Resource),
		audit:   audit,
		logger:  logger.With("component", "cleanup_journal"),
	}
}

// SetInstanceDestroyer wires the destroy chokepoint. Bound at startup,
// after the lifecycle controller exists.
func (j *Journal) SetInstanceDestroyer(d InstanceDestroyer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.instances = d
}

// SetBlobDeleter wires the blob backend
func (j *Journal) SetBlobDeleter(d BlobDeleter) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blobs = d
}

// SetVolumeDeleter wires the volume backend
func (j *Journal) SetVolumeDeleter(d VolumeDeleter) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.volumes = d
}

// SetStandbyDestroyer wires the standby backend
func (j *Journal) SetStandbyDestroyer(d StandbyDestroyer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.standbys = d
}

// Record registers a resource as provisionally owned by a failover
func (j *Journal) Record(failoverID string, res Resource) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[failoverID] = append(j.entries[failoverID], res)
	j.logger.Debug("journal entry recorded",
		"failover_id", failoverID,
		"kind", res.Kind,
		"resource_id", res.ID)
}

// Commit drops the list: the failover succeeded and its resources are
// now owned for real
func (j *Journal) Commit(failoverID string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.entries, failoverID)
}

// Pending returns the failover IDs with unresolved entries
func (j *Journal) Pending() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	ids := make([]string, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	return ids
}

// TracksInstance reports whether any in-flight group claims the instance.
// Orphan scans use this to spare rentals that are mid-failover.
func (j *Journal) TracksInstance(instanceID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, resources := range j.entries {
		for _, res := range resources {
			if res.Kind == ResourceInstance && res.ID == instanceID {
				return true
			}
		}
	}
	return false
}

// Rollback best-effort deletes every resource recorded for the
// failover, newest first. Every deletion is audited whether it
// succeeds. Returns the number of resources successfully removed.
func (j *Journal) Rollback(ctx context.Context, failoverID string) int {
	j.mu.Lock()
	resources := j.entries[failoverID]
	delete(j.entries, failoverID)
	instances := j.instances
	blobs := j.blobs
	volumes := j.volumes
	standbys := j.standbys
	j.mu.Unlock()

	if len(resources) == 0 {
		return 0
	}

	metrics.JournalRollbacks.Inc()
	j.logger.Info("rolling back failover resources",
		"failover_id", failoverID,
		"resources", len(resources))

	removed := 0
	// Newest first: instances created late may depend on volumes
	// created early
	for i := len(resources) - 1; i >= 0; i-- {
		res := resources[i]

		var err error
		switch res.Kind {
		case ResourceInstance:
			if instances == nil {
				err = fmt.Errorf("no instance destroyer wired")
			} else {
				err = instances.DestroyForRollback(ctx, res.ID, "failover rollback")
			}
		case ResourceBlob:
			if blobs == nil {
				err = fmt.Errorf("no blob deleter wired")
			} else {
				err = blobs.Delete(ctx, res.ID)
			}
		case ResourceVolume:
			if volumes == nil {
				err = fmt.Errorf("no volume deleter wired")
			} else {
				err = volumes.DeleteVolume(ctx, res.ID)
			}
		case ResourceStandby:
			if standbys == nil {
				err = fmt.Errorf("no standby destroyer wired")
			} else {
				err = standbys.Destroy(ctx, res.ID)
			}
		default:
			err = fmt.Errorf("unknown resource kind %q", res.Kind)
		}

		outcome := "success"
		detail := res.Note
		if err != nil {
			outcome = "failure"
			detail = err.Error()
			j.logger.Error("rollback deletion failed",
				"failover_id", failoverID,
				"kind", res.Kind,
				"resource_id", res.ID,
				"error", err)
		} else {
			removed++
		}
		metrics.RecordJournalRollback(string(res.Kind), outcome)

		auditErr := j.audit.Append(AuditRecord{
			Category:   AuditJournal,
			Action:     "rollback_delete",
			FailoverID: failoverID,
			InstanceID: instanceIDFor(res),
			Success:    err == nil,
			Detail:     fmt.Sprintf("%s %s: %s", res.Kind, res.ID, detail),
		})
		if auditErr != nil {
			j.logger.Error("failed to audit rollback deletion", "error", auditErr)
		}
	}

	return removed
}

func instanceIDFor(res Resource) string {
	if res.Kind == ResourceInstance {
		return res.ID
	}
	return ""
}

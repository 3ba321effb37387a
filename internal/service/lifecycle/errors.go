package lifecycle

import (
	"errors"
	"fmt"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	// ErrReasonRequired rejects state changes without an operator-readable reason
	ErrReasonRequired = errors.New("lifecycle: reason is required")

	// ErrInstanceIDRequired rejects state changes with no target
	ErrInstanceIDRequired = errors.New("lifecycle: instance id is required")

	// ErrSnapshotsUnavailable means hibernate/wake was called on a controller
	// built without a snapshot engine
	ErrSnapshotsUnavailable = errors.New("lifecycle: snapshot engine not configured")

	// ErrProvisionerUnavailable means wake was called before the race
	// provisioner was wired in
	ErrProvisionerUnavailable = errors.New("lifecycle: provisioner not configured")
)

// InvalidCallerError rejects caller sources outside the enumerated set.
// Free-form strings would make the event table unqueryable.
type InvalidCallerError struct {
	Source models.CallerSource
}

func (e *InvalidCallerError) Error() string {
	return fmt.Sprintf("invalid caller_source %q", e.Source)
}

// NotWakeableError means no restorable snapshot exists for the instance
type NotWakeableError struct {
	InstanceID string
}

func (e *NotWakeableError) Error() string {
	return fmt.Sprintf("no restorable snapshot for instance %s", e.InstanceID)
}

// SSHUnavailableError means the operation needs a reachable workspace but
// the provider has not published an SSH endpoint for the instance
type SSHUnavailableError struct {
	InstanceID string
}

func (e *SSHUnavailableError) Error() string {
	return fmt.Sprintf("instance %s has no ssh endpoint", e.InstanceID)
}

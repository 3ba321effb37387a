package warmpool

import (
	"errors"
	"fmt"
)

// ErrVolumesUnsupported means the provider cannot create host-local
// volumes, without which a pool has no shared workspace to hand over.
var ErrVolumesUnsupported = errors.New("provider does not support volumes")

// PoolExistsError rejects a second Provision for the same machine
type PoolExistsError struct {
	MachineID string
}

func (e *PoolExistsError) Error() string {
	return fmt.Sprintf("warm pool already exists for machine %s", e.MachineID)
}

// PoolNotFoundError reports an operation against an unknown machine
type PoolNotFoundError struct {
	MachineID string
}

func (e *PoolNotFoundError) Error() string {
	return fmt.Sprintf("no warm pool for machine %s", e.MachineID)
}

// InsufficientSlotsError means the host cannot seat both a primary and
// a standby. The machine may still qualify later as slots free up.
type InsufficientSlotsError struct {
	MachineID   string
	OffersFound int
}

func (e *InsufficientSlotsError) Error() string {
	return fmt.Sprintf("machine %s has %d rentable slots, warm pool needs 2", e.MachineID, e.OffersFound)
}

// NotReadyError reports a failover request the pool cannot serve in its
// current state: already failing over, in terminal error, or without a
// standby to promote.
type NotReadyError struct {
	MachineID string
	State     State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("warm pool on machine %s cannot fail over from state %s", e.MachineID, e.State)
}

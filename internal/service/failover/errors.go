package failover

import (
	"errors"
	"fmt"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// ErrDisabled means the effective policy turns failover off for the machine
var ErrDisabled = errors.New("failover disabled by policy")

// StrategiesExhaustedError means every strategy in the plan ran (or was
// refused by its breaker) without producing a replacement. The record
// returned alongside carries the per-phase evidence.
type StrategiesExhaustedError struct {
	MachineID string
	Attempted []models.FailoverStrategy
}

func (e *StrategiesExhaustedError) Error() string {
	return fmt.Sprintf("all failover strategies exhausted for machine %s (%d attempted)",
		e.MachineID, len(e.Attempted))
}

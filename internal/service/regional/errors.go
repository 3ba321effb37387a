package regional

import "fmt"

// NoOffersError means the region had nothing rentable after filtering.
// Orchestrators treat this as a soft failure and fall through to the
// next strategy.
type NoOffersError struct {
	Region   string
	VolumeID string
	Tried    int // rental attempts that got sniped, 0 when the search came back empty
}

func (e *NoOffersError) Error() string {
	if e.Tried > 0 {
		return fmt.Sprintf("no rentable offer in region %s for volume %s after %d attempts", e.Region, e.VolumeID, e.Tried)
	}
	return fmt.Sprintf("no offers in region %s for volume %s", e.Region, e.VolumeID)
}

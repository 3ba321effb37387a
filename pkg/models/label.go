package models

import "strings"

// Instance labels let the control plane recognize its own rentals in provider
// listings. Most marketplaces only support a single free-form label string.
const (
	labelPrefix         = "fleet-"
	raceLabelPrefix     = labelPrefix + "race-"
	warmPoolLabelPrefix = labelPrefix + "warm-"
	regionalLabelPrefix = labelPrefix + "regional-"
)

// RaceLabel builds the label attached to speculative race candidates.
// attemptID groups all candidates of one provision_fast call.
func RaceLabel(attemptID string) string {
	return raceLabelPrefix + attemptID
}

// WarmPoolLabel builds the label attached to warm pool members.
// role is "primary" or "standby".
func WarmPoolLabel(machineID, role string) string {
	return warmPoolLabelPrefix + machineID + "-" + role
}

// RegionalLabel builds the label attached to replacement rentals created
// by a regional volume failover, keyed by the volume that moved.
func RegionalLabel(volumeID string) string {
	return regionalLabelPrefix + volumeID
}

// ParseRaceLabel extracts the attempt ID from a race candidate label
func ParseRaceLabel(label string) (attemptID string, ok bool) {
	if !strings.HasPrefix(label, raceLabelPrefix) {
		return "", false
	}
	return label[len(raceLabelPrefix):], true
}

// IsFleetLabel reports whether a label was written by this control plane.
// Used by orphan scans to avoid touching instances it does not own.
func IsFleetLabel(label string) bool {
	return strings.HasPrefix(label, labelPrefix)
}

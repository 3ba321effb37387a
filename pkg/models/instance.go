package models

import "time"

// IntendedStatus is the state the marketplace has been asked to hold an instance in.
type IntendedStatus string

const (
	IntendedRunning   IntendedStatus = "running"
	IntendedStopped   IntendedStatus = "stopped"
	IntendedDestroyed IntendedStatus = "destroyed"
)

// ActualStatus is the state the marketplace last reported for an instance.
type ActualStatus string

const (
	ActualProvisioning ActualStatus = "provisioning" // Rental accepted, host allocating
	ActualLoading      ActualStatus = "loading"      // Image pull / onstart in progress
	ActualRunning      ActualStatus = "running"
	ActualStopped      ActualStatus = "stopped"
	ActualFailed       ActualStatus = "failed"
	ActualDestroyed    ActualStatus = "destroyed"
)

// Instance represents a live GPU rental produced from an offer
type Instance struct {
	ID             string         `json:"instance_id"`
	OfferID        string         `json:"offer_id"`
	MachineID      string         `json:"machine_id"`
	Provider       string         `json:"provider"`
	IntendedStatus IntendedStatus `json:"intended_status"`
	ActualStatus   ActualStatus   `json:"actual_status"`
	GPUName        string         `json:"gpu_name,omitempty"`
	NumGPUs        int            `json:"num_gpus,omitempty"`

	// Connection details; empty until the host publishes the port mapping
	SSHHost string `json:"ssh_host,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`

	PricePerHour float64   `json:"price_per_hour"`
	StartedAt    time.Time `json:"started_at"`
	Label        string    `json:"label,omitempty"`
	VolumeID     string    `json:"volume_id,omitempty"` // Set when rented with a volume attached
}

// HasSSH returns true once the provider has published a usable SSH endpoint
func (i *Instance) HasSSH() bool {
	return i.SSHHost != "" && i.SSHPort > 0
}

// IsTerminal returns true if the instance can no longer serve workloads
func (i *Instance) IsTerminal() bool {
	return i.ActualStatus == ActualFailed || i.ActualStatus == ActualDestroyed
}

// IsUsable returns true if the instance is running and reachable on paper
func (i *Instance) IsUsable() bool {
	return i.ActualStatus == ActualRunning && i.HasSSH()
}

// Volume is a persistent disk pinned to a region, attachable to rentals on
// hosts in that region. Warm pools attach one volume to a primary/standby pair.
type Volume struct {
	ID        string    `json:"volume_id"`
	MachineID string    `json:"machine_id,omitempty"` // Set for host-local (warm pool) volumes
	Region    string    `json:"region"`
	SizeGB    int       `json:"size_gb"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is the marketplace account standing returned by get_balance
type Balance struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
	Email   string  `json:"email,omitempty"`
}

// BlacklistEntry records a misbehaving host. Entries expire; queries must
// treat an expired entry as absent.
type BlacklistEntry struct {
	MachineID string    `json:"machine_id"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

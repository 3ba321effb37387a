package tensorgrid

import (
	"strconv"
	"strings"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// OffersResponse is the response from GET /offers/
type OffersResponse struct {
	Offers []Offer `json:"offers"`
}

// Offer represents a TensorGrid GPU rental slot
type Offer struct {
	ID        int `json:"id"`
	MachineID int `json:"machine_id"`
	HostID    int `json:"host_id"`

	// GPU info
	GPUName string  `json:"gpu_name"`
	GPURam  float64 `json:"gpu_ram"` // MB
	NumGPUs int     `json:"num_gpus"`
	GPUArch string  `json:"gpu_arch"`

	// CPU info
	CPUCores int `json:"cpu_cores"`
	CPURam   int `json:"cpu_ram"` // MB

	// Storage
	DiskSpace float64 `json:"disk_space"` // GB

	// Network
	InetDown float64 `json:"inet_down"`
	InetUp   float64 `json:"inet_up"`

	// Pricing
	DphBase  float64 `json:"dph_base"`  // Base price per hour
	DphTotal float64 `json:"dph_total"` // Total price per hour
	MinBid   float64 `json:"min_bid"`

	// Location
	Geolocation string `json:"geolocation"`

	// Status
	Rentable    bool    `json:"rentable"`
	Rented      bool    `json:"rented"`
	Reliability float64 `json:"reliability2"` // Note: reliability2 is the populated field
	MachineType string  `json:"machine_type"` // "on_demand" | "interruptible" | "bid"
	GPUSlots    int     `json:"gpu_slots"`    // Free GPU slots remaining on the host

	Verified bool `json:"verified"`
}

// ToGPUOffer converts a TensorGrid offer to the unified model
func (o Offer) ToGPUOffer() models.GPUOffer {
	mt := models.MachineType(o.MachineType)
	if mt == "" {
		mt = models.MachineOnDemand
	}
	return models.GPUOffer{
		ID:           strconv.Itoa(o.ID),
		MachineID:    strconv.Itoa(o.MachineID),
		Provider:     "tensorgrid",
		GPUName:      normalizeGPUName(o.GPUName),
		NumGPUs:      o.NumGPUs,
		GPURAMMb:     int(o.GPURam),
		PricePerHour: o.DphTotal,
		Reliability:  o.Reliability,
		Geolocation:  o.Geolocation,
		Verified:     o.Verified,
		MachineType:  mt,
		MinBid:       o.MinBid,
		DiskGB:       o.DiskSpace,
		GPUSlots:     o.GPUSlots,
		FetchedAt:    time.Now(),
	}
}

// InstancesResponse is the response from GET /instances/
type InstancesResponse struct {
	Instances []Instance `json:"instances"`
}

// InstanceResponse is the response from GET /instances/{id}/
type InstanceResponse struct {
	Instance Instance `json:"instance"`
}

// Instance represents a TensorGrid instance
type Instance struct {
	ID             int    `json:"id"`
	OfferID        int    `json:"offer_id"`
	MachineID      int    `json:"machine_id"`
	Label          string `json:"label"`
	ActualStatus   string `json:"actual_status"`
	IntendedStatus string `json:"intended_status"`

	// Connection info
	SSHHost string `json:"ssh_host"`
	SSHPort int    `json:"ssh_port"`

	// GPU info
	GPUName string `json:"gpu_name"`
	NumGPUs int    `json:"num_gpus"`

	// Pricing
	DphTotal float64 `json:"dph_total"`

	// Timing (unix seconds)
	StartDate float64 `json:"start_date"`

	// Volume
	VolumeID int `json:"volume_id,omitempty"`
}

// ToInstance converts a TensorGrid instance to the unified model
func (i Instance) ToInstance() models.Instance {
	inst := models.Instance{
		ID:             strconv.Itoa(i.ID),
		OfferID:        strconv.Itoa(i.OfferID),
		MachineID:      strconv.Itoa(i.MachineID),
		Provider:       "tensorgrid",
		IntendedStatus: models.IntendedStatus(i.IntendedStatus),
		ActualStatus:   models.ActualStatus(i.ActualStatus),
		GPUName:        i.GPUName,
		NumGPUs:        i.NumGPUs,
		SSHHost:        i.SSHHost,
		SSHPort:        i.SSHPort,
		PricePerHour:   i.DphTotal,
		StartedAt:      time.Unix(int64(i.StartDate), 0),
		Label:          i.Label,
	}
	if i.VolumeID > 0 {
		inst.VolumeID = strconv.Itoa(i.VolumeID)
	}
	return inst
}

// RentRequest is the request body for PUT /offers/{id}/rent/
type RentRequest struct {
	ClientID   string            `json:"client_id"`
	Image      string            `json:"image"`
	DiskSpace  float64           `json:"disk"`
	Label      string            `json:"label"`
	OnStart    string            `json:"onstart,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Price      float64           `json:"price,omitempty"`     // Bid price; omit for on-demand
	VolumeID   int               `json:"volume_id,omitempty"` // Attach an existing volume
	MountPoint string            `json:"mount_point,omitempty"`
	RunState   string            `json:"run_state,omitempty"` // "stopped" rents without starting
}

// RentResponse is the response from renting an offer
type RentResponse struct {
	Success     bool   `json:"success"`
	NewContract int    `json:"new_contract"`
	Error       string `json:"error,omitempty"`
}

// StateRequest is the request body for PUT /instances/{id}/state/
type StateRequest struct {
	State string `json:"state"` // "running" | "stopped"
}

// StateResponse acknowledges a state change request
type StateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AccountResponse is the response from GET /account/
type AccountResponse struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
	Email   string  `json:"email"`
}

// VolumesResponse is the response from GET /volumes/
type VolumesResponse struct {
	Volumes []VolumeInfo `json:"volumes"`
}

// VolumeInfo represents a TensorGrid persistent volume
type VolumeInfo struct {
	ID        int     `json:"id"`
	MachineID int     `json:"machine_id,omitempty"`
	Region    string  `json:"region"`
	SizeGB    int     `json:"size_gb"`
	Label     string  `json:"label"`
	CreatedAt float64 `json:"created_at"` // unix seconds
}

// ToVolume converts a TensorGrid volume to the unified model
func (v VolumeInfo) ToVolume() models.Volume {
	vol := models.Volume{
		ID:        strconv.Itoa(v.ID),
		Region:    v.Region,
		SizeGB:    v.SizeGB,
		Label:     v.Label,
		CreatedAt: time.Unix(int64(v.CreatedAt), 0),
	}
	if v.MachineID > 0 {
		vol.MachineID = strconv.Itoa(v.MachineID)
	}
	return vol
}

// CreateVolumeRequest is the request body for PUT /volumes/
type CreateVolumeRequest struct {
	SizeGB    int    `json:"size_gb"`
	Region    string `json:"region,omitempty"`
	MachineID int    `json:"machine_id,omitempty"`
	Label     string `json:"label,omitempty"`
}

// CreateVolumeResponse is the response from creating a volume
type CreateVolumeResponse struct {
	Success  bool   `json:"success"`
	VolumeID int    `json:"volume_id"`
	Error    string `json:"error,omitempty"`
}

// normalizeGPUName converts marketplace GPU names to standardized names
func normalizeGPUName(name string) string {
	name = strings.TrimSpace(name)

	// Common normalizations
	replacements := map[string]string{
		"GeForce RTX ": "RTX ",
		"NVIDIA ":      "",
		"Tesla ":       "",
	}

	for old, new := range replacements {
		name = strings.ReplaceAll(name, old, new)
	}

	return name
}

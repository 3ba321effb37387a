package models

import (
	"strings"
	"time"
)

// MachineType describes how an offer is billed and how durable the rental is.
type MachineType string

const (
	MachineOnDemand      MachineType = "on_demand"     // Fixed price, not preemptible
	MachineInterruptible MachineType = "interruptible" // Spot-style, may be reclaimed
	MachineBid           MachineType = "bid"           // Requires a bid price at rental
)

// GPUOffer represents an advertised GPU rental slot on a marketplace host
type GPUOffer struct {
	ID           string      `json:"offer_id"`
	MachineID    string      `json:"machine_id"`     // Physical host; several offers may share one
	Provider     string      `json:"provider"`       // "tensorgrid" | "mockmarket"
	GPUName      string      `json:"gpu_name"`       // "RTX 4090", "A100", etc.
	NumGPUs      int         `json:"num_gpus"`       // GPUs in this slot
	GPURAMMb     int         `json:"gpu_ram_mb"`     // Per-GPU RAM in MB
	PricePerHour float64     `json:"price_per_hour"` // USD per hour
	Reliability  float64     `json:"reliability"`    // 0-1 host score
	Geolocation  string      `json:"geolocation"`    // e.g. "Sweden, SE" or "US-TX"
	Verified     bool        `json:"verified"`       // Host passed marketplace verification
	MachineType  MachineType `json:"machine_type"`
	MinBid       float64     `json:"min_bid,omitempty"`  // Only for machine_type=bid
	DiskGB       float64     `json:"disk_gb,omitempty"`  // Allocatable disk on the slot
	GPUSlots     int         `json:"gpu_slots,omitempty"` // Free slots on the host (warm pool needs >=2)
	FetchedAt    time.Time   `json:"fetched_at"`
}

// OfferFilter defines criteria for filtering GPU offers
type OfferFilter struct {
	Provider       string      `json:"provider,omitempty"`
	GPUName        string      `json:"gpu_name,omitempty"`
	MinGPURAMMb    int         `json:"min_gpu_ram_mb,omitempty"`
	MinNumGPUs     int         `json:"min_num_gpus,omitempty"`
	MaxPrice       float64     `json:"max_price,omitempty"`
	Geolocation    string      `json:"geolocation,omitempty"` // Substring match on offer geolocation
	MinReliability float64     `json:"min_reliability,omitempty"`
	VerifiedOnly   bool        `json:"verified_only,omitempty"`
	MachineType    MachineType `json:"machine_type,omitempty"`
	MinDiskGB      float64     `json:"min_disk_gb,omitempty"`
	MinGPUSlots    int         `json:"min_gpu_slots,omitempty"`
}

// MatchesFilter checks if the offer matches the given filter
func (o *GPUOffer) MatchesFilter(f OfferFilter) bool {
	if f.Provider != "" && o.Provider != f.Provider {
		return false
	}
	if f.GPUName != "" && o.GPUName != f.GPUName {
		return false
	}
	if f.MinGPURAMMb > 0 && o.GPURAMMb < f.MinGPURAMMb {
		return false
	}
	if f.MinNumGPUs > 0 && o.NumGPUs < f.MinNumGPUs {
		return false
	}
	if f.MaxPrice > 0 && o.PricePerHour > f.MaxPrice {
		return false
	}
	if f.Geolocation != "" && !containsFold(o.Geolocation, f.Geolocation) {
		return false
	}
	if f.MinReliability > 0 && o.Reliability < f.MinReliability {
		return false
	}
	if f.VerifiedOnly && !o.Verified {
		return false
	}
	if f.MachineType != "" && o.MachineType != f.MachineType {
		return false
	}
	if f.MinDiskGB > 0 && o.DiskGB < f.MinDiskGB {
		return false
	}
	if f.MinGPUSlots > 0 && o.GPUSlots < f.MinGPUSlots {
		return false
	}
	return true
}

// containsFold reports whether s contains substr, case-insensitively.
// Geolocation strings vary in casing between marketplace responses.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

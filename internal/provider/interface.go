package provider

import (
	"context"
	"errors"
	"time"

	"github.com/gpufleet/gpufleet/pkg/models"
)

// Common errors returned by providers
var (
	ErrProviderRateLimit  = errors.New("provider rate limit exceeded")
	ErrProviderAuth       = errors.New("provider authentication failed")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrOfferUnavailable   = errors.New("offer no longer available")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrValidation         = errors.New("invalid request")
	ErrServiceUnavailable = errors.New("provider service unavailable")
	ErrProviderError      = errors.New("provider API error")
	ErrInvalidResponse    = errors.New("invalid provider response")
)

// ProviderFeature represents optional features a provider may support
type ProviderFeature string

const (
	FeatureVolumes    ProviderFeature = "volumes"     // Persistent volumes attachable at rental
	FeatureBidPricing ProviderFeature = "bid_pricing" // Interruptible instances with bid prices
	FeatureStopResume ProviderFeature = "stop_resume" // Pause/resume without destroying
)

// InstanceProvider defines the interface for GPU marketplace providers
type InstanceProvider interface {
	// Name returns the provider identifier ("tensorgrid" | "mockmarket")
	Name() string

	// SearchOffers returns rentable GPU offers matching the filter
	SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.GPUOffer, error)

	// CreateInstance rents an offer at its listed price
	CreateInstance(ctx context.Context, req CreateInstanceRequest) (*models.Instance, error)

	// CreateInstanceBid rents an interruptible offer at the given bid price
	CreateInstanceBid(ctx context.Context, req CreateInstanceRequest, bidPrice float64) (*models.Instance, error)

	// GetInstance returns the current state of an instance.
	// Returns an error satisfying IsNotFoundError when the instance is gone.
	GetInstance(ctx context.Context, instanceID string) (*models.Instance, error)

	// ListInstances returns all instances belonging to this account
	ListInstances(ctx context.Context) ([]models.Instance, error)

	// DestroyInstance tears down an instance. Irreversible.
	DestroyInstance(ctx context.Context, instanceID string) error

	// PauseInstance asks the marketplace to stop the instance (intended_status=stopped)
	PauseInstance(ctx context.Context, instanceID string) error

	// ResumeInstance asks the marketplace to start a stopped instance
	ResumeInstance(ctx context.Context, instanceID string) error

	// GetBalance returns the account's credit standing
	GetBalance(ctx context.Context) (*models.Balance, error)

	// SupportsFeature checks if provider supports a specific feature
	SupportsFeature(feature ProviderFeature) bool
}

// VolumeSupport is implemented by providers that offer persistent volumes.
// Callers must feature-probe with SupportsFeature(FeatureVolumes) first.
type VolumeSupport interface {
	// CreateVolume allocates a volume. MachineID pins it to a host for warm
	// pools; Region pins it geographically for regional failover.
	CreateVolume(ctx context.Context, req CreateVolumeRequest) (*models.Volume, error)

	// DeleteVolume removes a volume. Fails while any instance has it attached.
	DeleteVolume(ctx context.Context, volumeID string) error

	// ListVolumes returns this account's volumes
	ListVolumes(ctx context.Context) ([]models.Volume, error)
}

// CreateInstanceRequest contains all data needed to rent an offer
type CreateInstanceRequest struct {
	OfferID      string            // Provider's offer ID
	Image        string            // Docker image to run
	DiskGB       float64           // Disk allocation
	OnStart      string            // Command to run on startup
	Env          map[string]string // Environment variables for the container
	Label        string            // Free-form label for recognizing our rentals
	SSHPublicKey string            // SSH public key to inject
	VolumeID     string            // Attach an existing volume (requires FeatureVolumes)
	MountPoint   string            // Where to mount the volume inside the container
	StartStopped bool              // Rent in stopped state (warm pool standbys)
}

// CreateVolumeRequest describes a volume to allocate
type CreateVolumeRequest struct {
	SizeGB    int
	Region    string
	MachineID string // Optional: pin to a physical host
	Label     string
}

// StandbyInstance is a CPU instance from an auxiliary provider used as a
// long-fallback standby while a GPU is re-provisioned.
type StandbyInstance struct {
	ID           string    `json:"id"`
	MachineType  string    `json:"machine_type"`
	Zone         string    `json:"zone"`
	Status       string    `json:"status"`
	SSHHost      string    `json:"ssh_host,omitempty"`
	SSHPort      int       `json:"ssh_port,omitempty"`
	PricePerHour float64   `json:"price_per_hour"`
	CreatedAt    time.Time `json:"created_at"`
}

// StandbyRequest describes a standby CPU instance to provision
type StandbyRequest struct {
	MachineType string
	Zone        string
	DiskGB      int
	Label       string
}

// SpotPricing is the current spot price for a standby machine type
type SpotPricing struct {
	MachineType  string  `json:"machine_type"`
	Zone         string  `json:"zone"`
	PricePerHour float64 `json:"price_per_hour"`
	Currency     string  `json:"currency"`
}

// StandbyProvider defines the interface for auxiliary CPU-instance providers
type StandbyProvider interface {
	// Name returns the provider identifier ("spotvm")
	Name() string

	// Provision creates a standby CPU instance
	Provision(ctx context.Context, req StandbyRequest) (*StandbyInstance, error)

	// List returns this account's standby instances
	List(ctx context.Context) ([]StandbyInstance, error)

	// Destroy tears down a standby instance
	Destroy(ctx context.Context, instanceID string) error

	// GetSpotPricing returns the current price for display
	GetSpotPricing(ctx context.Context, machineType, zone string) (*SpotPricing, error)
}

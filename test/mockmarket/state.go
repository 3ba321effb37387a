package mockmarket

import (
	"fmt"
	"sync"
	"time"
)

// Instance is a rented slot tracked by the mock marketplace.
type Instance struct {
	ID             int
	OfferID        int
	MachineID      int
	Label          string
	IntendedStatus string
	ActualStatus   string
	SSHHost        string
	SSHPort        int
	GPUName        string
	NumGPUs        int
	DphTotal       float64
	StartedAt      time.Time
	VolumeID       int
	Env            map[string]string
	OnStart        string
}

// Offer is a rentable GPU slot on a mock host.
type Offer struct {
	ID          int
	MachineID   int
	HostID      int
	GPUName     string
	GPURamMb    float64
	NumGPUs     int
	CPUCores    int
	CPURamMb    int
	DiskSpace   float64
	InetUp      float64
	InetDown    float64
	DphBase     float64
	DphTotal    float64
	MinBid      float64
	Geolocation string
	Rentable    bool
	Rented      bool
	Reliability float64
	MachineType string
	GPUSlots    int
	Verified    bool
}

// Volume is a persistent volume on a mock host.
type Volume struct {
	ID        int
	MachineID int
	Region    string
	SizeGB    int
	Label     string
	CreatedAt time.Time
}

// State holds the in-memory marketplace the mock serves.
type State struct {
	mu        sync.RWMutex
	offers    map[int]*Offer
	instances map[int]*Instance
	volumes   map[int]*Volume
	nextID    int
	nextVolID int

	credit  float64
	balance float64
	email   string

	// Failure injection for tests
	rentDelay      time.Duration
	destroyDelay   time.Duration
	failRent       bool
	failDestroy    bool
	failRentMsg    string
	failDestroyMsg string
}

// NewState seeds a marketplace with hosts across regions: duplicate GPU
// types in different regions for volume moves, multi-slot hosts for warm
// pools, and a cheap interruptible slot for standby rentals.
func NewState() *State {
	s := &State{
		offers:    make(map[int]*Offer),
		instances: make(map[int]*Instance),
		volumes:   make(map[int]*Volume),
		nextID:    1000,
		nextVolID: 500,
		credit:    25.0,
		balance:   100.0,
		email:     "fleet@mockmarket.test",
	}
	s.seedOffers()
	return s
}

func (s *State) seedOffers() {
	seed := []*Offer{
		{
			ID: 101, MachineID: 101, HostID: 11,
			GPUName: "RTX 4090", GPURamMb: 24576, NumGPUs: 1,
			CPUCores: 16, CPURamMb: 65536, DiskSpace: 200,
			InetUp: 500, InetDown: 500,
			DphBase: 0.35, DphTotal: 0.40,
			Geolocation: "US-East", Rentable: true,
			Reliability: 0.99, MachineType: "on_demand", GPUSlots: 2,
			Verified: true,
		},
		{
			// Second slot on machine 101; warm pools need two rentable
			// slots on one host.
			ID: 107, MachineID: 101, HostID: 11,
			GPUName: "RTX 4090", GPURamMb: 24576, NumGPUs: 1,
			CPUCores: 16, CPURamMb: 65536, DiskSpace: 200,
			InetUp: 500, InetDown: 500,
			DphBase: 0.35, DphTotal: 0.42,
			Geolocation: "US-East", Rentable: true,
			Reliability: 0.99, MachineType: "on_demand", GPUSlots: 2,
			Verified: true,
		},
		{
			ID: 102, MachineID: 102, HostID: 12,
			GPUName: "RTX 4090", GPURamMb: 24576, NumGPUs: 2,
			CPUCores: 32, CPURamMb: 131072, DiskSpace: 400,
			InetUp: 1000, InetDown: 1000,
			DphBase: 0.65, DphTotal: 0.75, MinBid: 0.30,
			Geolocation: "US-East", Rentable: true,
			Reliability: 0.98, MachineType: "interruptible", GPUSlots: 2,
			Verified: true,
		},
		{
			ID: 103, MachineID: 103, HostID: 13,
			GPUName: "RTX 4090", GPURamMb: 24576, NumGPUs: 1,
			CPUCores: 16, CPURamMb: 65536, DiskSpace: 200,
			InetUp: 800, InetDown: 800,
			DphBase: 0.38, DphTotal: 0.45,
			Geolocation: "EU-West", Rentable: true,
			Reliability: 0.97, MachineType: "on_demand", GPUSlots: 3,
			Verified: true,
		},
		{
			ID: 104, MachineID: 104, HostID: 14,
			GPUName: "A100 SXM4", GPURamMb: 81920, NumGPUs: 1,
			CPUCores: 64, CPURamMb: 262144, DiskSpace: 800,
			InetUp: 2000, InetDown: 2000,
			DphBase: 1.30, DphTotal: 1.50,
			Geolocation: "US-West", Rentable: true,
			Reliability: 0.995, MachineType: "on_demand", GPUSlots: 4,
			Verified: true,
		},
		{
			ID: 105, MachineID: 105, HostID: 15,
			GPUName: "H100 SXM5", GPURamMb: 81920, NumGPUs: 1,
			CPUCores: 96, CPURamMb: 524288, DiskSpace: 1600,
			InetUp: 5000, InetDown: 5000,
			DphBase: 3.10, DphTotal: 3.50,
			Geolocation: "US-East", Rentable: true,
			Reliability: 0.999, MachineType: "on_demand", GPUSlots: 2,
			Verified: true,
		},
		{
			// Second EU-West host so a regional move has somewhere to land
			// while the failing rental still holds its own slot.
			ID: 108, MachineID: 108, HostID: 18,
			GPUName: "RTX 4090", GPURamMb: 24576, NumGPUs: 1,
			CPUCores: 24, CPURamMb: 98304, DiskSpace: 300,
			InetUp: 600, InetDown: 600,
			DphBase: 0.42, DphTotal: 0.48,
			Geolocation: "EU-West", Rentable: true,
			Reliability: 0.96, MachineType: "on_demand", GPUSlots: 2,
			Verified: true,
		},
		{
			ID: 106, MachineID: 106, HostID: 16,
			GPUName: "RTX 3060", GPURamMb: 12288, NumGPUs: 1,
			CPUCores: 8, CPURamMb: 32768, DiskSpace: 100,
			InetUp: 300, InetDown: 300,
			DphBase: 0.06, DphTotal: 0.08, MinBid: 0.04,
			Geolocation: "US-East", Rentable: true,
			Reliability: 0.94, MachineType: "interruptible", GPUSlots: 1,
			Verified: false,
		},
	}
	for _, o := range seed {
		s.offers[o.ID] = o
	}
}

// ListOffers returns offers still open for rental.
func (s *State) ListOffers() []*Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]*Offer, 0, len(s.offers))
	for _, offer := range s.offers {
		if offer.Rentable && !offer.Rented {
			offers = append(offers, offer)
		}
	}
	return offers
}

// GetOffer returns an offer by ID.
func (s *State) GetOffer(id int) (*Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offer, ok := s.offers[id]
	return offer, ok
}

// Rent takes an offer off the market and creates an instance on its host.
// The instance answers "provisioning" until the configured delay passes,
// then settles into "running" (or "stopped" for stopped rentals).
func (s *State) Rent(offerID int, label, image, onStart string, env map[string]string, volumeID int, startStopped bool) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failRent {
		msg := s.failRentMsg
		if msg == "" {
			msg = "simulated rent failure"
		}
		return nil, fmt.Errorf("%s", msg)
	}

	offer, ok := s.offers[offerID]
	if !ok {
		return nil, fmt.Errorf("offer %d not found", offerID)
	}
	if !offer.Rentable || offer.Rented {
		return nil, fmt.Errorf("offer %d unavailable: already rented", offerID)
	}

	if volumeID > 0 {
		vol, ok := s.volumes[volumeID]
		if !ok {
			return nil, fmt.Errorf("volume %d not found", volumeID)
		}
		// A machine-pinned volume only mounts on its host. An unpinned
		// volume is network-attached and mounts anywhere in its region.
		switch {
		case vol.MachineID != 0 && vol.MachineID != offer.MachineID:
			return nil, fmt.Errorf("volume %d lives on machine %d, not %d", volumeID, vol.MachineID, offer.MachineID)
		case vol.MachineID == 0 && vol.Region != offer.Geolocation:
			return nil, fmt.Errorf("volume %d lives in %s, offer %d is in %s", volumeID, vol.Region, offer.ID, offer.Geolocation)
		}
	}

	offer.Rented = true

	instanceID := s.nextID
	s.nextID++

	intended := "running"
	if startStopped {
		intended = "stopped"
	}

	instance := &Instance{
		ID:             instanceID,
		OfferID:        offer.ID,
		MachineID:      offer.MachineID,
		Label:          label,
		IntendedStatus: intended,
		ActualStatus:   "provisioning",
		SSHHost:        fmt.Sprintf("203.0.113.%d", offer.MachineID-100),
		SSHPort:        22000 + instanceID%1000,
		GPUName:        offer.GPUName,
		NumGPUs:        offer.NumGPUs,
		DphTotal:       offer.DphTotal,
		StartedAt:      time.Now(),
		VolumeID:       volumeID,
		Env:            env,
		OnStart:        onStart,
	}
	s.instances[instanceID] = instance

	delay := s.rentDelay
	go func() {
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		time.Sleep(delay)
		s.mu.Lock()
		if inst, ok := s.instances[instanceID]; ok && inst.ActualStatus == "provisioning" {
			if inst.IntendedStatus == "stopped" {
				inst.ActualStatus = "stopped"
			} else {
				inst.ActualStatus = "running"
			}
		}
		s.mu.Unlock()
	}()

	return instance, nil
}

// GetInstance returns an instance by ID.
func (s *State) GetInstance(id int) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	return instance, ok
}

// ListInstances returns all live instances.
func (s *State) ListInstances() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.ActualStatus != "destroyed" {
			instances = append(instances, inst)
		}
	}
	return instances
}

// DestroyInstance tears an instance down and puts its offer back on the
// market. The record lingers briefly as "destroyed" before disappearing,
// like real marketplaces do.
func (s *State) DestroyInstance(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDestroy {
		msg := s.failDestroyMsg
		if msg == "" {
			msg = "simulated destroy failure"
		}
		return fmt.Errorf("%s", msg)
	}

	instance, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %d not found", id)
	}

	if offer, ok := s.offers[instance.OfferID]; ok {
		offer.Rented = false
	}

	instance.IntendedStatus = "destroyed"
	instance.ActualStatus = "destroyed"

	delay := s.destroyDelay
	go func() {
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		time.Sleep(delay)
		s.mu.Lock()
		delete(s.instances, id)
		s.mu.Unlock()
	}()

	return nil
}

// SetInstanceState handles stop/start requests. Starting goes back through
// a provisioning window before the instance answers "running".
func (s *State) SetInstanceState(id int, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[id]
	if !ok || instance.ActualStatus == "destroyed" {
		return fmt.Errorf("instance %d not found", id)
	}

	switch state {
	case "stopped":
		instance.IntendedStatus = "stopped"
		instance.ActualStatus = "stopped"
	case "running":
		instance.IntendedStatus = "running"
		instance.ActualStatus = "loading"
		delay := s.rentDelay
		go func() {
			if delay <= 0 {
				delay = 100 * time.Millisecond
			}
			time.Sleep(delay)
			s.mu.Lock()
			if inst, ok := s.instances[id]; ok && inst.ActualStatus == "loading" {
				inst.ActualStatus = "running"
			}
			s.mu.Unlock()
		}()
	default:
		return fmt.Errorf("unknown state %q", state)
	}
	return nil
}

// CreateVolume allocates a persistent volume, optionally pinned to a machine.
// Pinned volumes inherit their host's region.
func (s *State) CreateVolume(sizeGB int, region string, machineID int, label string) (*Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sizeGB <= 0 {
		return nil, fmt.Errorf("size_gb must be positive")
	}
	if region == "" && machineID != 0 {
		for _, o := range s.offers {
			if o.MachineID == machineID {
				region = o.Geolocation
				break
			}
		}
	}
	if region == "" {
		region = "US-East"
	}

	volumeID := s.nextVolID
	s.nextVolID++

	vol := &Volume{
		ID:        volumeID,
		MachineID: machineID,
		Region:    region,
		SizeGB:    sizeGB,
		Label:     label,
		CreatedAt: time.Now(),
	}
	s.volumes[volumeID] = vol
	return vol, nil
}

// GetVolume returns a volume by ID.
func (s *State) GetVolume(id int) (*Volume, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vol, ok := s.volumes[id]
	return vol, ok
}

// ListVolumes returns all volumes.
func (s *State) ListVolumes() []*Volume {
	s.mu.RLock()
	defer s.mu.RUnlock()

	volumes := make([]*Volume, 0, len(s.volumes))
	for _, vol := range s.volumes {
		volumes = append(volumes, vol)
	}
	return volumes
}

// DeleteVolume removes a volume. A volume still attached to a live
// instance cannot be deleted.
func (s *State) DeleteVolume(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.volumes[id]; !ok {
		return fmt.Errorf("volume %d not found", id)
	}
	for _, inst := range s.instances {
		if inst.VolumeID == id && inst.ActualStatus != "destroyed" {
			return fmt.Errorf("volume %d attached to instance %d", id, inst.ID)
		}
	}
	delete(s.volumes, id)
	return nil
}

// Balance returns the mock account standing.
func (s *State) Balance() (credit, balance float64, email string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credit, s.balance, s.email
}

// KillInstance flips an instance to "failed" without freeing its offer,
// the way a host drop looks from the API.
func (s *State) KillInstance(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[id]
	if !ok || instance.ActualStatus == "destroyed" {
		return false
	}
	instance.ActualStatus = "failed"
	return true
}

// KillMachine fails every instance on a machine and pulls its offers off
// the market, simulating a host going dark.
func (s *State) KillMachine(machineID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	killed := 0
	for _, inst := range s.instances {
		if inst.MachineID == machineID && inst.ActualStatus != "destroyed" {
			inst.ActualStatus = "failed"
			killed++
		}
	}
	for _, offer := range s.offers {
		if offer.MachineID == machineID {
			offer.Rentable = false
		}
	}
	return killed
}

// CreateOrphanInstance creates a running instance no controller accounts
// for, for orphan scan tests.
func (s *State) CreateOrphanInstance(label string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	instanceID := s.nextID
	s.nextID++

	instance := &Instance{
		ID:             instanceID,
		MachineID:      999,
		Label:          label,
		IntendedStatus: "running",
		ActualStatus:   "running",
		SSHHost:        "203.0.113.99",
		SSHPort:        22000 + instanceID%1000,
		GPUName:        "RTX 4090",
		NumGPUs:        1,
		DphTotal:       0.50,
		StartedAt:      time.Now(),
	}
	s.instances[instanceID] = instance
	return instance
}

// SetRentDelay sets how long new rentals answer "provisioning".
func (s *State) SetRentDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rentDelay = d
}

// SetDestroyDelay sets how long destroyed instances linger in listings.
func (s *State) SetDestroyDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyDelay = d
}

// SetFailRent configures rentals to fail.
func (s *State) SetFailRent(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRent = fail
	s.failRentMsg = msg
}

// SetFailDestroy configures destroys to fail.
func (s *State) SetFailDestroy(fail bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDestroy = fail
	s.failDestroyMsg = msg
}

// Reset clears instances and volumes and reopens every offer.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = make(map[int]*Instance)
	s.volumes = make(map[int]*Volume)
	s.nextID = 1000
	s.nextVolID = 500
	s.rentDelay = 0
	s.destroyDelay = 0
	s.failRent = false
	s.failDestroy = false
	s.failRentMsg = ""
	s.failDestroyMsg = ""
	s.offers = make(map[int]*Offer)
	s.seedOffers()
}

// AddOffer adds a custom offer for tests.
func (s *State) AddOffer(offer *Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[offer.ID] = offer
}

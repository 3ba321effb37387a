package mockmarket

import (
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Server speaks the TensorGrid wire API from in-memory state. It ignores
// the Authorization header entirely, so a controller can point at it with
// any API key.
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a mock marketplace server.
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation.
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	// TensorGrid API endpoints. The client always sends trailing slashes;
	// register both forms anyway.
	s.router.GET("/offers/", s.handleListOffers)
	s.router.GET("/offers", s.handleListOffers)

	s.router.PUT("/offers/:id/rent/", s.handleRent)
	s.router.PUT("/offers/:id/rent", s.handleRent)

	s.router.GET("/instances/", s.handleListInstances)
	s.router.GET("/instances", s.handleListInstances)

	s.router.GET("/instances/:id/", s.handleGetInstance)
	s.router.GET("/instances/:id", s.handleGetInstance)

	s.router.DELETE("/instances/:id/", s.handleDestroyInstance)
	s.router.DELETE("/instances/:id", s.handleDestroyInstance)

	s.router.PUT("/instances/:id/state/", s.handleSetState)
	s.router.PUT("/instances/:id/state", s.handleSetState)

	s.router.GET("/account/", s.handleAccount)
	s.router.GET("/account", s.handleAccount)

	s.router.GET("/volumes/", s.handleListVolumes)
	s.router.GET("/volumes", s.handleListVolumes)

	s.router.PUT("/volumes/", s.handleCreateVolume)
	s.router.PUT("/volumes", s.handleCreateVolume)

	s.router.DELETE("/volumes/:id/", s.handleDeleteVolume)
	s.router.DELETE("/volumes/:id", s.handleDeleteVolume)

	// Health check
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/orphan", s.handleTestCreateOrphan)
	s.router.POST("/_test/kill", s.handleTestKill)
}

// OfferResponse matches the TensorGrid offer wire format.
type OfferResponse struct {
	ID          int     `json:"id"`
	MachineID   int     `json:"machine_id"`
	HostID      int     `json:"host_id"`
	GPUName     string  `json:"gpu_name"`
	GPURam      float64 `json:"gpu_ram"`
	NumGPUs     int     `json:"num_gpus"`
	CPUCores    int     `json:"cpu_cores"`
	CPURam      int     `json:"cpu_ram"`
	DiskSpace   float64 `json:"disk_space"`
	InetDown    float64 `json:"inet_down"`
	InetUp      float64 `json:"inet_up"`
	DphBase     float64 `json:"dph_base"`
	DphTotal    float64 `json:"dph_total"`
	MinBid      float64 `json:"min_bid"`
	Geolocation string  `json:"geolocation"`
	Rentable    bool    `json:"rentable"`
	Rented      bool    `json:"rented"`
	Reliability float64 `json:"reliability2"`
	MachineType string  `json:"machine_type"`
	GPUSlots    int     `json:"gpu_slots"`
	Verified    bool    `json:"verified"`
}

// OffersResponse is the body of GET /offers/.
type OffersResponse struct {
	Offers []OfferResponse `json:"offers"`
}

func offerToResponse(o *Offer) OfferResponse {
	return OfferResponse{
		ID:          o.ID,
		MachineID:   o.MachineID,
		HostID:      o.HostID,
		GPUName:     o.GPUName,
		GPURam:      o.GPURamMb,
		NumGPUs:     o.NumGPUs,
		CPUCores:    o.CPUCores,
		CPURam:      o.CPURamMb,
		DiskSpace:   o.DiskSpace,
		InetDown:    o.InetDown,
		InetUp:      o.InetUp,
		DphBase:     o.DphBase,
		DphTotal:    o.DphTotal,
		MinBid:      o.MinBid,
		Geolocation: o.Geolocation,
		Rentable:    o.Rentable,
		Rented:      o.Rented,
		Reliability: o.Reliability,
		MachineType: o.MachineType,
		GPUSlots:    o.GPUSlots,
		Verified:    o.Verified,
	}
}

// The q parameter carries an advisory JSON query. The real marketplace
// filters server-side; clients re-filter locally, so the mock returns
// everything open and lets the client narrow it.
func (s *Server) handleListOffers(c *gin.Context) {
	offers := s.state.ListOffers()

	response := OffersResponse{
		Offers: make([]OfferResponse, len(offers)),
	}
	for i, offer := range offers {
		response.Offers[i] = offerToResponse(offer)
	}

	c.JSON(http.StatusOK, response)
}

// RentRequest matches the body of PUT /offers/{id}/rent/.
type RentRequest struct {
	ClientID   string            `json:"client_id"`
	Image      string            `json:"image"`
	DiskSpace  float64           `json:"disk"`
	Label      string            `json:"label"`
	OnStart    string            `json:"onstart"`
	Env        map[string]string `json:"env"`
	Price      float64           `json:"price"`
	VolumeID   int               `json:"volume_id"`
	MountPoint string            `json:"mount_point"`
	RunState   string            `json:"run_state"`
}

// RentResponse matches the TensorGrid rent response.
type RentResponse struct {
	Success     bool   `json:"success"`
	NewContract int    `json:"new_contract"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleRent(c *gin.Context) {
	offerID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, RentResponse{Success: false, Error: "invalid offer id"})
		return
	}

	var req RentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, RentResponse{Success: false, Error: err.Error()})
		return
	}

	instance, err := s.state.Rent(offerID, req.Label, req.Image, req.OnStart, req.Env, req.VolumeID, req.RunState == "stopped")
	if err != nil {
		// Gone offers answer 200 with success=false, the way the real
		// marketplace loses races.
		s.logger.Debug("rent refused", "offer_id", offerID, "error", err)
		c.JSON(http.StatusOK, RentResponse{Success: false, Error: err.Error()})
		return
	}

	s.logger.Info("rented offer", "offer_id", offerID, "instance_id", instance.ID, "label", req.Label)
	c.JSON(http.StatusOK, RentResponse{
		Success:     true,
		NewContract: instance.ID,
	})
}

// InstanceResponse matches the TensorGrid instance wire format.
type InstanceResponse struct {
	ID             int     `json:"id"`
	OfferID        int     `json:"offer_id"`
	MachineID      int     `json:"machine_id"`
	Label          string  `json:"label"`
	ActualStatus   string  `json:"actual_status"`
	IntendedStatus string  `json:"intended_status"`
	SSHHost        string  `json:"ssh_host"`
	SSHPort        int     `json:"ssh_port"`
	GPUName        string  `json:"gpu_name"`
	NumGPUs        int     `json:"num_gpus"`
	DphTotal       float64 `json:"dph_total"`
	StartDate      float64 `json:"start_date"`
	VolumeID       int     `json:"volume_id,omitempty"`
}

// InstancesResponse is the body of GET /instances/.
type InstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
}

// InstanceEnvelope is the body of GET /instances/{id}/.
type InstanceEnvelope struct {
	Instance InstanceResponse `json:"instance"`
}

func instanceToResponse(inst *Instance) InstanceResponse {
	return InstanceResponse{
		ID:             inst.ID,
		OfferID:        inst.OfferID,
		MachineID:      inst.MachineID,
		Label:          inst.Label,
		ActualStatus:   inst.ActualStatus,
		IntendedStatus: inst.IntendedStatus,
		SSHHost:        inst.SSHHost,
		SSHPort:        inst.SSHPort,
		GPUName:        inst.GPUName,
		NumGPUs:        inst.NumGPUs,
		DphTotal:       inst.DphTotal,
		StartDate:      float64(inst.StartedAt.Unix()),
		VolumeID:       inst.VolumeID,
	}
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances := s.state.ListInstances()

	response := InstancesResponse{
		Instances: make([]InstanceResponse, len(instances)),
	}
	for i, inst := range instances {
		response.Instances[i] = instanceToResponse(inst)
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleGetInstance(c *gin.Context) {
	instanceID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	instance, ok := s.state.GetInstance(instanceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	c.JSON(http.StatusOK, InstanceEnvelope{Instance: instanceToResponse(instance)})
}

// DestroyResponse acknowledges a destroy.
type DestroyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleDestroyInstance(c *gin.Context) {
	instanceID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	if _, ok := s.state.GetInstance(instanceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}

	if err := s.state.DestroyInstance(instanceID); err != nil {
		s.logger.Error("failed to destroy instance", "error", err, "instance_id", instanceID)
		c.JSON(http.StatusInternalServerError, DestroyResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, DestroyResponse{Success: true})
}

// StateRequest matches the body of PUT /instances/{id}/state/.
type StateRequest struct {
	State string `json:"state"`
}

// StateResponse acknowledges a state change.
type StateResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSetState(c *gin.Context) {
	instanceID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid instance id"})
		return
	}

	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StateResponse{Success: false, Error: err.Error()})
		return
	}

	if err := s.state.SetInstanceState(instanceID, req.State); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, StateResponse{Success: true})
}

// AccountResponse is the body of GET /account/.
type AccountResponse struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
	Email   string  `json:"email"`
}

func (s *Server) handleAccount(c *gin.Context) {
	credit, balance, email := s.state.Balance()
	c.JSON(http.StatusOK, AccountResponse{
		Credit:  credit,
		Balance: balance,
		Email:   email,
	})
}

// VolumeResponse matches the TensorGrid volume wire format.
type VolumeResponse struct {
	ID        int     `json:"id"`
	MachineID int     `json:"machine_id,omitempty"`
	Region    string  `json:"region"`
	SizeGB    int     `json:"size_gb"`
	Label     string  `json:"label"`
	CreatedAt float64 `json:"created_at"`
}

// VolumesResponse is the body of GET /volumes/.
type VolumesResponse struct {
	Volumes []VolumeResponse `json:"volumes"`
}

func volumeToResponse(v *Volume) VolumeResponse {
	return VolumeResponse{
		ID:        v.ID,
		MachineID: v.MachineID,
		Region:    v.Region,
		SizeGB:    v.SizeGB,
		Label:     v.Label,
		CreatedAt: float64(v.CreatedAt.Unix()),
	}
}

func (s *Server) handleListVolumes(c *gin.Context) {
	volumes := s.state.ListVolumes()

	response := VolumesResponse{
		Volumes: make([]VolumeResponse, len(volumes)),
	}
	for i, vol := range volumes {
		response.Volumes[i] = volumeToResponse(vol)
	}

	c.JSON(http.StatusOK, response)
}

// CreateVolumeRequest matches the body of PUT /volumes/.
type CreateVolumeRequest struct {
	SizeGB    int    `json:"size_gb"`
	Region    string `json:"region"`
	MachineID int    `json:"machine_id"`
	Label     string `json:"label"`
}

// CreateVolumeResponse acknowledges a volume creation.
type CreateVolumeResponse struct {
	Success  bool   `json:"success"`
	VolumeID int    `json:"volume_id"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCreateVolume(c *gin.Context) {
	var req CreateVolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, CreateVolumeResponse{Success: false, Error: err.Error()})
		return
	}

	vol, err := s.state.CreateVolume(req.SizeGB, req.Region, req.MachineID, req.Label)
	if err != nil {
		c.JSON(http.StatusOK, CreateVolumeResponse{Success: false, Error: err.Error()})
		return
	}

	s.logger.Info("created volume", "volume_id", vol.ID, "size_gb", vol.SizeGB, "region", vol.Region)
	c.JSON(http.StatusOK, CreateVolumeResponse{
		Success:  true,
		VolumeID: vol.ID,
	})
}

func (s *Server) handleDeleteVolume(c *gin.Context) {
	volumeID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid volume id"})
		return
	}

	if _, ok := s.state.GetVolume(volumeID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "volume not found"})
		return
	}

	if err := s.state.DeleteVolume(volumeID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-tensorgrid-marketplace",
	})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig adjusts mock behavior mid-test.
type TestConfig struct {
	RentDelayMs    int    `json:"rent_delay_ms"`
	DestroyDelayMs int    `json:"destroy_delay_ms"`
	FailRent       bool   `json:"fail_rent"`
	FailDestroy    bool   `json:"fail_destroy"`
	FailRentMsg    string `json:"fail_rent_msg"`
	FailDestroyMsg string `json:"fail_destroy_msg"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if config.RentDelayMs > 0 {
		s.state.SetRentDelay(time.Duration(config.RentDelayMs) * time.Millisecond)
	}
	if config.DestroyDelayMs > 0 {
		s.state.SetDestroyDelay(time.Duration(config.DestroyDelayMs) * time.Millisecond)
	}
	s.state.SetFailRent(config.FailRent, config.FailRentMsg)
	s.state.SetFailDestroy(config.FailDestroy, config.FailDestroyMsg)

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// TestOrphanRequest creates an unaccounted instance.
type TestOrphanRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleTestCreateOrphan(c *gin.Context) {
	var req TestOrphanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	instance := s.state.CreateOrphanInstance(req.Label)
	c.JSON(http.StatusOK, gin.H{
		"instance_id": strconv.Itoa(instance.ID),
		"label":       instance.Label,
	})
}

// TestKillRequest fails an instance or a whole machine.
type TestKillRequest struct {
	InstanceID int `json:"instance_id"`
	MachineID  int `json:"machine_id"`
}

func (s *Server) handleTestKill(c *gin.Context) {
	var req TestKillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch {
	case req.MachineID > 0:
		killed := s.state.KillMachine(req.MachineID)
		c.JSON(http.StatusOK, gin.H{"status": "killed", "instances": killed})
	case req.InstanceID > 0:
		if !s.state.KillInstance(req.InstanceID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "killed", "instances": 1})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance_id or machine_id required"})
	}
}

// Run starts the server on the specified address.
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock marketplace server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

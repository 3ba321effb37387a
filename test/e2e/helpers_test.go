//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Environment variables for test configuration
const (
	EnvServerURL     = "SERVER_URL"
	EnvMockMarketURL = "MOCK_MARKET_URL"
	EnvTestTimeout   = "TEST_TIMEOUT"
)

// Default URLs for local testing
const (
	DefaultServerURL     = "http://localhost:8080"
	DefaultMockMarketURL = "http://localhost:8888"
	DefaultTestTimeout   = 60 * time.Second
)

// TestEnv holds the test environment configuration
type TestEnv struct {
	ServerURL     string
	MockMarketURL string
	TestTimeout   time.Duration
	HTTPClient    *http.Client
}

// NewTestEnv creates a new test environment from env vars or defaults
func NewTestEnv() *TestEnv {
	env := &TestEnv{
		ServerURL:     getEnvOrDefault(EnvServerURL, DefaultServerURL),
		MockMarketURL: getEnvOrDefault(EnvMockMarketURL, DefaultMockMarketURL),
		TestTimeout:   DefaultTestTimeout,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	if timeout := os.Getenv(EnvTestTimeout); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			env.TestTimeout = d
		}
	}

	return env
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// GenerateLabel generates a unique instance label
func GenerateLabel(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

// WaitForServer waits for the controller to report ready
func (e *TestEnv) WaitForServer(t *testing.T, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Server did not become ready within %v", timeout)
		case <-ticker.C:
			resp, err := e.HTTPClient.Get(e.ServerURL + "/ready")
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				return
			}
			if resp != nil {
				resp.Body.Close()
			}
		}
	}
}

// WaitForMarket waits for the mock marketplace to be healthy
func (e *TestEnv) WaitForMarket(t *testing.T, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Mock marketplace did not become healthy within %v", timeout)
		case <-ticker.C:
			resp, err := e.HTTPClient.Get(e.MockMarketURL + "/health")
			if err == nil && resp.StatusCode == http.StatusOK {
				resp.Body.Close()
				return
			}
			if resp != nil {
				resp.Body.Close()
			}
		}
	}
}

// Low-level request plumbing. Wrappers below layer typed decoding and
// status checks on top.

func (e *TestEnv) request(t *testing.T, method, url string, reqBody any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

// apiRequest targets the fleet controller
func (e *TestEnv) apiRequest(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	return e.request(t, method, e.ServerURL+path, body)
}

// marketRequest targets the mock marketplace directly
func (e *TestEnv) marketRequest(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	return e.request(t, method, e.MockMarketURL+path, body)
}

// Mock marketplace control

// ResetMarket resets the mock marketplace to its seeded state. Only
// safe when no controller-side state still references live rentals.
func (e *TestEnv) ResetMarket(t *testing.T) {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodPost, "/_test/reset", nil)
	if status != http.StatusOK {
		t.Fatalf("ResetMarket failed: status=%d body=%s", status, body)
	}
}

// MarketConfig adjusts mock marketplace behavior
type MarketConfig struct {
	RentDelayMs    int    `json:"rent_delay_ms,omitempty"`
	DestroyDelayMs int    `json:"destroy_delay_ms,omitempty"`
	FailRent       bool   `json:"fail_rent,omitempty"`
	FailDestroy    bool   `json:"fail_destroy,omitempty"`
	FailRentMsg    string `json:"fail_rent_msg,omitempty"`
	FailDestroyMsg string `json:"fail_destroy_msg,omitempty"`
}

// ConfigureMarket configures the mock marketplace behavior
func (e *TestEnv) ConfigureMarket(t *testing.T, config MarketConfig) {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodPost, "/_test/config", config)
	if status != http.StatusOK {
		t.Fatalf("ConfigureMarket failed: status=%d body=%s", status, body)
	}
}

// KillInstance fails a single rental in place, as if the host dropped it
func (e *TestEnv) KillInstance(t *testing.T, instanceID string) {
	t.Helper()

	id, err := strconv.Atoi(instanceID)
	require.NoError(t, err, "marketplace instance IDs are numeric")

	status, body := e.marketRequest(t, http.MethodPost, "/_test/kill", map[string]int{"instance_id": id})
	if status != http.StatusOK {
		t.Fatalf("KillInstance failed: status=%d body=%s", status, body)
	}
}

// KillMachine fails every rental on a host and delists its offers
func (e *TestEnv) KillMachine(t *testing.T, machineID string) {
	t.Helper()

	id, err := strconv.Atoi(machineID)
	require.NoError(t, err, "marketplace machine IDs are numeric")

	status, body := e.marketRequest(t, http.MethodPost, "/_test/kill", map[string]int{"machine_id": id})
	if status != http.StatusOK {
		t.Fatalf("KillMachine failed: status=%d body=%s", status, body)
	}
}

// CreateOrphanInstance rents an instance behind the controller's back
func (e *TestEnv) CreateOrphanInstance(t *testing.T, label string) string {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodPost, "/_test/orphan", map[string]string{"label": label})
	if status != http.StatusOK {
		t.Fatalf("CreateOrphanInstance failed: status=%d body=%s", status, body)
	}

	var result map[string]string
	require.NoError(t, json.Unmarshal(body, &result))
	return result["instance_id"]
}

// MarketInstance is the marketplace's own view of a rental
type MarketInstance struct {
	ID             int    `json:"id"`
	OfferID        int    `json:"offer_id"`
	MachineID      int    `json:"machine_id"`
	Label          string `json:"label"`
	ActualStatus   string `json:"actual_status"`
	IntendedStatus string `json:"intended_status"`
	SSHHost        string `json:"ssh_host"`
	SSHPort        int    `json:"ssh_port"`
	VolumeID       int    `json:"volume_id,omitempty"`
}

// GetMarketInstance fetches a rental straight from the marketplace. The
// second return is false once the instance no longer exists.
func (e *TestEnv) GetMarketInstance(t *testing.T, instanceID string) (*MarketInstance, bool) {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodGet, "/instances/"+instanceID+"/", nil)
	if status == http.StatusNotFound {
		return nil, false
	}
	if status != http.StatusOK {
		t.Fatalf("GetMarketInstance failed: status=%d body=%s", status, body)
	}

	var envelope struct {
		Instance MarketInstance `json:"instance"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return &envelope.Instance, true
}

// ListMarketInstances lists every rental the marketplace knows about
func (e *TestEnv) ListMarketInstances(t *testing.T) []MarketInstance {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodGet, "/instances/", nil)
	if status != http.StatusOK {
		t.Fatalf("ListMarketInstances failed: status=%d body=%s", status, body)
	}

	var result struct {
		Instances []MarketInstance `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	return result.Instances
}

// MarketVolume is the marketplace's own view of a volume
type MarketVolume struct {
	ID        int    `json:"id"`
	MachineID int    `json:"machine_id,omitempty"`
	Region    string `json:"region"`
	SizeGB    int    `json:"size_gb"`
	Label     string `json:"label"`
}

// CreateMarketVolume provisions a volume directly on the marketplace,
// the way an operator would before wiring a regional volume policy
func (e *TestEnv) CreateMarketVolume(t *testing.T, sizeGB int, region string, machineID int, label string) string {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodPut, "/volumes/", map[string]any{
		"size_gb":    sizeGB,
		"region":     region,
		"machine_id": machineID,
		"label":      label,
	})
	if status != http.StatusOK {
		t.Fatalf("CreateMarketVolume failed: status=%d body=%s", status, body)
	}

	var result struct {
		Success  bool   `json:"success"`
		VolumeID int    `json:"volume_id"`
		Error    string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	if !result.Success {
		t.Fatalf("CreateMarketVolume refused: %s", result.Error)
	}
	return strconv.Itoa(result.VolumeID)
}

// ListMarketVolumes lists every volume on the marketplace
func (e *TestEnv) ListMarketVolumes(t *testing.T) []MarketVolume {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodGet, "/volumes/", nil)
	if status != http.StatusOK {
		t.Fatalf("ListMarketVolumes failed: status=%d body=%s", status, body)
	}

	var result struct {
		Volumes []MarketVolume `json:"volumes"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	return result.Volumes
}

// DeleteMarketVolumeQuiet removes a volume, tolerating attached or gone
func (e *TestEnv) DeleteMarketVolumeQuiet(t *testing.T, volumeID string) {
	t.Helper()

	status, body := e.marketRequest(t, http.MethodDelete, "/volumes/"+volumeID, nil)
	if status != http.StatusOK && status != http.StatusNotFound {
		t.Logf("Cleanup of volume %s returned status=%d body=%s", volumeID, status, body)
	}
}

// WaitForInstanceStatus polls the marketplace until the rental reports
// the wanted status. An unexpected "failed" aborts immediately.
func (e *TestEnv) WaitForInstanceStatus(t *testing.T, instanceID, expected string, timeout time.Duration) *MarketInstance {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	lastStatus := "unknown"
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Instance %s did not reach status %q within %v (last status: %s)", instanceID, expected, timeout, lastStatus)
		case <-ticker.C:
			inst, ok := e.GetMarketInstance(t, instanceID)
			if !ok {
				continue
			}
			lastStatus = inst.ActualStatus
			if inst.ActualStatus == expected {
				return inst
			}
			if inst.ActualStatus == "failed" && expected != "failed" {
				t.Fatalf("Instance %s failed unexpectedly while waiting for %q", instanceID, expected)
			}
		}
	}
}

// WaitForInstanceGone polls until the marketplace forgets the rental
func (e *TestEnv) WaitForInstanceGone(t *testing.T, instanceID string, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Instance %s still present after %v", instanceID, timeout)
		case <-ticker.C:
			if _, ok := e.GetMarketInstance(t, instanceID); !ok {
				return
			}
		}
	}
}

// API Request/Response types. Mirrored locally so the suite pins the
// wire contract rather than the server's internal structs.

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// CreateInstanceRequest rents a marketplace offer
type CreateInstanceRequest struct {
	OfferID      string            `json:"offer_id,omitempty"`
	Image        string            `json:"image,omitempty"`
	DiskGB       float64           `json:"disk_gb,omitempty"`
	OnStart      string            `json:"on_start,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Label        string            `json:"label,omitempty"`
	VolumeID     string            `json:"volume_id,omitempty"`
	MountPoint   string            `json:"mount_point,omitempty"`
	StartStopped bool              `json:"start_stopped,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
}

// InstanceResponse is the controller's view of a rental
type InstanceResponse struct {
	InstanceID     string  `json:"instance_id"`
	OfferID        string  `json:"offer_id"`
	MachineID      string  `json:"machine_id"`
	Provider       string  `json:"provider"`
	IntendedStatus string  `json:"intended_status"`
	ActualStatus   string  `json:"actual_status"`
	GPUName        string  `json:"gpu_name"`
	NumGPUs        int     `json:"num_gpus"`
	SSHHost        string  `json:"ssh_host"`
	SSHPort        int     `json:"ssh_port"`
	PricePerHour   float64 `json:"price_per_hour"`
	Label          string  `json:"label"`
	VolumeID       string  `json:"volume_id"`
}

// ActionRequest carries the audit fields for destroy/pause/resume
type ActionRequest struct {
	Reason string `json:"reason,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// FailoverRequest asks the controller to replace a failing GPU
type FailoverRequest struct {
	MachineID     string `json:"machine_id,omitempty"`
	GPUInstanceID string `json:"gpu_instance_id,omitempty"`
	SSHHost       string `json:"ssh_host,omitempty"`
	SSHPort       int    `json:"ssh_port,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	ForceStrategy string `json:"force_strategy,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// FailoverRecord is the audit row a failover attempt produces
type FailoverRecord struct {
	ID                      string            `json:"id"`
	MachineID               string            `json:"machine_id"`
	InstanceID              string            `json:"instance_id"`
	StrategyAttempted       string            `json:"strategy_attempted"`
	StrategySucceeded       string            `json:"strategy_succeeded"`
	WarmPoolAttemptMs       int64             `json:"warm_pool_attempt_ms"`
	RegionalVolumeAttemptMs int64             `json:"regional_volume_attempt_ms"`
	CPUStandbyAttemptMs     int64             `json:"cpu_standby_attempt_ms"`
	TotalMs                 int64             `json:"total_ms"`
	GPUsTried               int               `json:"gpus_tried"`
	RoundsAttempted         int               `json:"rounds_attempted"`
	WarmPoolError           string            `json:"warm_pool_error"`
	RegionalVolumeError     string            `json:"regional_volume_error"`
	CPUStandbyError         string            `json:"cpu_standby_error"`
	NewInstanceID           string            `json:"new_instance_id"`
	NewSSHHost              string            `json:"new_ssh_host"`
	NewSSHPort              int               `json:"new_ssh_port"`
	Metadata                map[string]string `json:"metadata"`
}

// ExhaustedFailoverResponse is the 502 body when every strategy failed
type ExhaustedFailoverResponse struct {
	Error     string         `json:"error"`
	Record    FailoverRecord `json:"record"`
	RequestID string         `json:"request_id"`
}

// FailoverListResponse is the failover history envelope
type FailoverListResponse struct {
	Failovers []FailoverRecord `json:"failovers"`
	Count     int              `json:"count"`
}

// ReadinessResponse reports whether a machine could fail over right now
type ReadinessResponse struct {
	MachineID         string `json:"machine_id"`
	Strategy          string `json:"strategy"`
	WarmPoolReady     bool   `json:"warm_pool_ready"`
	CPUStandbyReady   bool   `json:"cpu_standby_ready"`
	RecommendedAction string `json:"recommended_action"`
}

// WarmPoolConfig configures a primary/standby pair
type WarmPoolConfig struct {
	Enabled             bool    `json:"enabled"`
	VolumeSizeGB        int     `json:"volume_size_gb,omitempty"`
	HealthIntervalS     int     `json:"health_interval_s,omitempty"`
	FailThreshold       int     `json:"fail_threshold,omitempty"`
	ReprovisionStandby  bool    `json:"reprovision_standby,omitempty"`
	MaxStandbyPriceHour float64 `json:"max_standby_price_hour,omitempty"`
}

// RegionalVolumeConfig configures failover onto a region-local volume
type RegionalVolumeConfig struct {
	Enabled        bool     `json:"enabled"`
	VolumeID       string   `json:"volume_id,omitempty"`
	Region         string   `json:"region,omitempty"`
	MinReliability float64  `json:"min_reliability,omitempty"`
	PreferredGPUs  []string `json:"preferred_gpus,omitempty"`
	MountPoint     string   `json:"mount_point,omitempty"`
	TimeoutS       int      `json:"timeout_s,omitempty"`
	DestroyOld     bool     `json:"destroy_old,omitempty"`
}

// CPUStandbyConfig configures the snapshot-restore fallback
type CPUStandbyConfig struct {
	Enabled         bool    `json:"enabled"`
	MinGPURAMMb     int     `json:"min_gpu_ram_mb,omitempty"`
	MaxPricePerHour float64 `json:"max_price_per_hour,omitempty"`
	DiskGB          float64 `json:"disk_gb,omitempty"`
	Image           string  `json:"image,omitempty"`
	OnStartScript   string  `json:"on_start_script,omitempty"`
	SmokeTestURL    string  `json:"smoke_test_url,omitempty"`
	SmokeTestPrompt string  `json:"smoke_test_prompt,omitempty"`
}

// PolicyDocument is the wire form of a failover policy
type PolicyDocument struct {
	DefaultStrategy string               `json:"default_strategy"`
	WarmPool        WarmPoolConfig       `json:"warm_pool"`
	RegionalVolume  RegionalVolumeConfig `json:"regional_volume"`
	CPUStandby      CPUStandbyConfig     `json:"cpu_standby"`
	Override        *bool                `json:"override,omitempty"`
}

// PolicyResponse is a stored policy row
type PolicyResponse struct {
	MachineID       string               `json:"machine_id"`
	DefaultStrategy string               `json:"default_strategy"`
	WarmPool        WarmPoolConfig       `json:"warm_pool"`
	RegionalVolume  RegionalVolumeConfig `json:"regional_volume"`
	CPUStandby      CPUStandbyConfig     `json:"cpu_standby"`
	Override        bool                 `json:"override"`
}

// PolicyListResponse is the policy list envelope
type PolicyListResponse struct {
	Policies []PolicyResponse `json:"policies"`
	Count    int              `json:"count"`
}

// PoolStatus is one warm pool's state
type PoolStatus struct {
	MachineID        string `json:"machine_id"`
	State            string `json:"state"`
	VolumeID         string `json:"volume_id"`
	PrimaryID        string `json:"primary_id"`
	StandbyID        string `json:"standby_id"`
	ConsecutiveFails int    `json:"consecutive_fails"`
}

// PoolListResponse is the warm pool list envelope
type PoolListResponse struct {
	Pools      []PoolStatus `json:"pools"`
	Count      int          `json:"count"`
	HealthLoop bool         `json:"health_loop"`
}

// EventRecord is one lifecycle audit row
type EventRecord struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	Action       string `json:"action"`
	Success      bool   `json:"success"`
	CallerSource string `json:"caller_source"`
	Reason       string `json:"reason"`
}

// EventListResponse is the lifecycle event envelope
type EventListResponse struct {
	Events []EventRecord `json:"events"`
	Count  int           `json:"count"`
}

// SnapshotListResponse is the snapshot catalog envelope
type SnapshotListResponse struct {
	Snapshots []struct {
		SnapshotID string `json:"snapshot_id"`
		InstanceID string `json:"instance_id"`
		Status     string `json:"status"`
	} `json:"snapshots"`
	Count int `json:"count"`
}

// CleanupResult reports a retention sweep
type CleanupResult struct {
	Identified int   `json:"identified"`
	Deleted    int   `json:"deleted"`
	Failed     int   `json:"failed"`
	BytesFreed int64 `json:"bytes_freed"`
	DryRun     bool  `json:"dry_run"`
}

// BlacklistResponse is the blacklist envelope
type BlacklistResponse struct {
	Entries []struct {
		MachineID string `json:"machine_id"`
		Reason    string `json:"reason"`
	} `json:"entries"`
	Count int `json:"count"`
}

// BalanceResponse is the marketplace account surface
type BalanceResponse struct {
	Credit  float64 `json:"credit"`
	Balance float64 `json:"balance"`
	Email   string  `json:"email"`
}

// API Methods

// CreateInstance rents an offer through the controller
func (e *TestEnv) CreateInstance(t *testing.T, req CreateInstanceRequest) *InstanceResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPost, "/api/v1/instances", req)
	if status != http.StatusCreated {
		t.Fatalf("CreateInstance failed: status=%d body=%s", status, body)
	}

	var inst InstanceResponse
	require.NoError(t, json.Unmarshal(body, &inst))
	return &inst
}

// CreateInstanceRaw rents an offer and returns the raw outcome, for
// tests asserting on error statuses
func (e *TestEnv) CreateInstanceRaw(t *testing.T, req CreateInstanceRequest) (int, []byte) {
	t.Helper()
	return e.apiRequest(t, http.MethodPost, "/api/v1/instances", req)
}

// InstanceAction drives destroy/pause/resume through the controller
func (e *TestEnv) InstanceAction(t *testing.T, instanceID, action, reason string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPost, "/api/v1/instances/"+instanceID+"/"+action,
		ActionRequest{Reason: reason, UserID: "e2e"})
	if status != http.StatusOK {
		t.Fatalf("Instance %s failed: status=%d body=%s", action, status, body)
	}
}

// DestroyInstanceQuiet tears an instance down, tolerating already-gone
func (e *TestEnv) DestroyInstanceQuiet(t *testing.T, instanceID string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPost, "/api/v1/instances/"+instanceID+"/destroy",
		ActionRequest{Reason: "e2e cleanup", UserID: "e2e"})
	if status != http.StatusOK && status != http.StatusNotFound {
		t.Logf("Cleanup destroy of %s returned status=%d body=%s", instanceID, status, body)
	}
}

// ExecuteFailover posts a failover request and returns the raw outcome;
// tests assert on the status code themselves
func (e *TestEnv) ExecuteFailover(t *testing.T, req FailoverRequest) (int, []byte) {
	t.Helper()
	return e.apiRequest(t, http.MethodPost, "/api/v1/failover", req)
}

// ExecuteFailoverOK posts a failover request that must succeed
func (e *TestEnv) ExecuteFailoverOK(t *testing.T, req FailoverRequest) *FailoverRecord {
	t.Helper()

	status, body := e.ExecuteFailover(t, req)
	if status != http.StatusOK {
		t.Fatalf("ExecuteFailover failed: status=%d body=%s", status, body)
	}

	var record FailoverRecord
	require.NoError(t, json.Unmarshal(body, &record))
	return &record
}

// ListFailovers fetches failover history; query may be "" or e.g.
// "?machine_id=101"
func (e *TestEnv) ListFailovers(t *testing.T, query string) *FailoverListResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/failover"+query, nil)
	if status != http.StatusOK {
		t.Fatalf("ListFailovers failed: status=%d body=%s", status, body)
	}

	var result FailoverListResponse
	require.NoError(t, json.Unmarshal(body, &result))
	return &result
}

// GetReadiness fetches the per-machine failover readiness report
func (e *TestEnv) GetReadiness(t *testing.T, machineID string) *ReadinessResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/failover/readiness/"+machineID, nil)
	if status != http.StatusOK {
		t.Fatalf("GetReadiness failed: status=%d body=%s", status, body)
	}

	var result ReadinessResponse
	require.NoError(t, json.Unmarshal(body, &result))
	return &result
}

// ProvisionWarmPool stands up a primary/standby pair on a machine
func (e *TestEnv) ProvisionWarmPool(t *testing.T, machineID string, cfg WarmPoolConfig) *PoolStatus {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPost, "/api/v1/warmpools/"+machineID, cfg)
	if status != http.StatusCreated {
		t.Fatalf("ProvisionWarmPool failed: status=%d body=%s", status, body)
	}

	var pool PoolStatus
	require.NoError(t, json.Unmarshal(body, &pool))
	return &pool
}

// ProvisionWarmPoolRaw provisions and returns the raw outcome, for
// tests asserting on error statuses
func (e *TestEnv) ProvisionWarmPoolRaw(t *testing.T, machineID string, cfg WarmPoolConfig) (int, []byte) {
	t.Helper()
	return e.apiRequest(t, http.MethodPost, "/api/v1/warmpools/"+machineID, cfg)
}

// GetWarmPool fetches one pool's status
func (e *TestEnv) GetWarmPool(t *testing.T, machineID string) *PoolStatus {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/warmpools/"+machineID, nil)
	if status != http.StatusOK {
		t.Fatalf("GetWarmPool failed: status=%d body=%s", status, body)
	}

	var pool PoolStatus
	require.NoError(t, json.Unmarshal(body, &pool))
	return &pool
}

// GetWarmPoolRaw fetches a pool without asserting on the status, for
// not-found checks
func (e *TestEnv) GetWarmPoolRaw(t *testing.T, machineID string) (int, []byte) {
	t.Helper()
	return e.apiRequest(t, http.MethodGet, "/api/v1/warmpools/"+machineID, nil)
}

// WaitForPoolState polls until the pool reports the wanted state
func (e *TestEnv) WaitForPoolState(t *testing.T, machineID, expected string, timeout time.Duration) *PoolStatus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	lastState := "unknown"
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Pool %s did not reach state %q within %v (last state: %s)", machineID, expected, timeout, lastState)
		case <-ticker.C:
			pool := e.GetWarmPool(t, machineID)
			lastState = pool.State
			if pool.State == expected {
				return pool
			}
			if pool.State == "error" && expected != "error" {
				t.Fatalf("Pool %s entered error state while waiting for %q", machineID, expected)
			}
		}
	}
}

// ListWarmPools lists every pool the manager tracks
func (e *TestEnv) ListWarmPools(t *testing.T) *PoolListResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/warmpools", nil)
	if status != http.StatusOK {
		t.Fatalf("ListWarmPools failed: status=%d body=%s", status, body)
	}

	var result PoolListResponse
	require.NoError(t, json.Unmarshal(body, &result))
	return &result
}

// DeprovisionWarmPool tears a pool down
func (e *TestEnv) DeprovisionWarmPool(t *testing.T, machineID string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodDelete, "/api/v1/warmpools/"+machineID, nil)
	if status != http.StatusOK {
		t.Fatalf("DeprovisionWarmPool failed: status=%d body=%s", status, body)
	}
}

// DeprovisionWarmPoolQuiet tears a pool down, tolerating already-gone
func (e *TestEnv) DeprovisionWarmPoolQuiet(t *testing.T, machineID string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodDelete, "/api/v1/warmpools/"+machineID, nil)
	if status != http.StatusOK && status != http.StatusNotFound {
		t.Logf("Cleanup of pool %s returned status=%d body=%s", machineID, status, body)
	}
}

// GetGlobalPolicy fetches the fleet-wide failover policy
func (e *TestEnv) GetGlobalPolicy(t *testing.T) *PolicyResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/policies/global", nil)
	if status != http.StatusOK {
		t.Fatalf("GetGlobalPolicy failed: status=%d body=%s", status, body)
	}

	var policy PolicyResponse
	require.NoError(t, json.Unmarshal(body, &policy))
	return &policy
}

// PutGlobalPolicy replaces the fleet-wide failover policy
func (e *TestEnv) PutGlobalPolicy(t *testing.T, doc PolicyDocument) *PolicyResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPut, "/api/v1/policies/global", doc)
	if status != http.StatusOK {
		t.Fatalf("PutGlobalPolicy failed: status=%d body=%s", status, body)
	}

	var policy PolicyResponse
	require.NoError(t, json.Unmarshal(body, &policy))
	return &policy
}

// PutMachinePolicy stores a per-machine policy override
func (e *TestEnv) PutMachinePolicy(t *testing.T, machineID string, doc PolicyDocument) *PolicyResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodPut, "/api/v1/policies/machines/"+machineID, doc)
	if status != http.StatusOK {
		t.Fatalf("PutMachinePolicy failed: status=%d body=%s", status, body)
	}

	var policy PolicyResponse
	require.NoError(t, json.Unmarshal(body, &policy))
	return &policy
}

// GetMachinePolicyRaw fetches a machine policy row without asserting on
// the status, for not-found checks
func (e *TestEnv) GetMachinePolicyRaw(t *testing.T, machineID string) (int, []byte) {
	t.Helper()
	return e.apiRequest(t, http.MethodGet, "/api/v1/policies/machines/"+machineID, nil)
}

// ListPolicies lists the global policy plus all machine rows
func (e *TestEnv) ListPolicies(t *testing.T) *PolicyListResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/policies", nil)
	if status != http.StatusOK {
		t.Fatalf("ListPolicies failed: status=%d body=%s", status, body)
	}

	var result PolicyListResponse
	require.NoError(t, json.Unmarshal(body, &result))
	return &result
}

// DeleteMachinePolicy removes a per-machine policy row
func (e *TestEnv) DeleteMachinePolicy(t *testing.T, machineID string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodDelete, "/api/v1/policies/machines/"+machineID, nil)
	if status != http.StatusOK {
		t.Fatalf("DeleteMachinePolicy failed: status=%d body=%s", status, body)
	}
}

// DeleteMachinePolicyQuiet removes a policy row if present
func (e *TestEnv) DeleteMachinePolicyQuiet(t *testing.T, machineID string) {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodDelete, "/api/v1/policies/machines/"+machineID, nil)
	if status != http.StatusOK && status != http.StatusNotFound {
		t.Logf("Cleanup of policy %s returned status=%d body=%s", machineID, status, body)
	}
}

// ListEvents fetches the lifecycle audit trail; query may be "" or e.g.
// "?instance_id=42&action=destroy"
func (e *TestEnv) ListEvents(t *testing.T, query string) *EventListResponse {
	t.Helper()

	status, body := e.apiRequest(t, http.MethodGet, "/api/v1/events"+query, nil)
	if status != http.StatusOK {
		t.Fatalf("ListEvents failed: status=%d body=%s", status, body)
	}

	var result EventListResponse
	require.NoError(t, json.Unmarshal(body, &result))
	return &result
}

// RunOrphanScan triggers one scanner pass and returns how many orphans
// it found. Only available with the in-process setup; external servers
// run their own scanner on a schedule and offer no trigger endpoint.
func RunOrphanScan(t *testing.T) int {
	t.Helper()

	if testScanner == nil {
		t.Skip("orphan scan requires the in-process test setup")
	}
	return testScanner.Scan(context.Background())
}

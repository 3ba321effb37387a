package models

import "time"

// FailoverStrategy names a recovery approach or a composition of them.
// Expansion order within a composite is fixed for deterministic recovery.
type FailoverStrategy string

const (
	StrategyWarmPool       FailoverStrategy = "warm_pool"
	StrategyRegionalVolume FailoverStrategy = "regional_volume"
	StrategyCPUStandby     FailoverStrategy = "cpu_standby"
	StrategyBoth           FailoverStrategy = "both" // warm_pool then cpu_standby
	StrategyAll            FailoverStrategy = "all"  // warm_pool, regional_volume, cpu_standby
	StrategyDisabled       FailoverStrategy = "disabled"
)

// Expand returns the ordered concrete strategies a named strategy stands for.
// Returns nil for disabled or unrecognized values.
func (s FailoverStrategy) Expand() []FailoverStrategy {
	switch s {
	case StrategyWarmPool, StrategyRegionalVolume, StrategyCPUStandby:
		return []FailoverStrategy{s}
	case StrategyBoth:
		return []FailoverStrategy{StrategyWarmPool, StrategyCPUStandby}
	case StrategyAll:
		return []FailoverStrategy{StrategyWarmPool, StrategyRegionalVolume, StrategyCPUStandby}
	default:
		return nil
	}
}

// Valid reports whether s is an accepted strategy name
func (s FailoverStrategy) Valid() bool {
	switch s {
	case StrategyWarmPool, StrategyRegionalVolume, StrategyCPUStandby,
		StrategyBoth, StrategyAll, StrategyDisabled:
		return true
	}
	return false
}

// FailoverRequest asks the orchestrator to recover a failing instance
type FailoverRequest struct {
	MachineID     string           `json:"machine_id" binding:"required"`
	InstanceID    string           `json:"gpu_instance_id" binding:"required"`
	SSHHost       string           `json:"ssh_host,omitempty"`
	SSHPort       int              `json:"ssh_port,omitempty"`
	WorkspacePath string           `json:"workspace_path,omitempty"`
	ForceStrategy FailoverStrategy `json:"force_strategy,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// FailoverRecord is one row per failover attempt. Phase timing fields stay
// zero for phases that never ran.
type FailoverRecord struct {
	ID                string           `json:"id"`
	MachineID         string           `json:"machine_id"`
	InstanceID        string           `json:"instance_id,omitempty"` // The failing instance
	StrategyAttempted FailoverStrategy `json:"strategy_attempted"`
	StrategySucceeded FailoverStrategy `json:"strategy_succeeded,omitempty"`

	WarmPoolAttemptMs       int64 `json:"warm_pool_attempt_ms"`
	RegionalVolumeAttemptMs int64 `json:"regional_volume_attempt_ms"`
	CPUStandbyAttemptMs     int64 `json:"cpu_standby_attempt_ms"`
	TotalMs                 int64 `json:"total_ms"`

	GPUsTried       int `json:"gpus_tried"`
	RoundsAttempted int `json:"rounds_attempted"`

	WarmPoolError       string `json:"warm_pool_error,omitempty"`
	RegionalVolumeError string `json:"regional_volume_error,omitempty"`
	CPUStandbyError     string `json:"cpu_standby_error,omitempty"`

	NewInstanceID string            `json:"new_instance_id,omitempty"`
	NewSSHHost    string            `json:"new_ssh_host,omitempty"`
	NewSSHPort    int               `json:"new_ssh_port,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"` // e.g. inference smoke-test response
	CreatedAt     time.Time         `json:"created_at"`
}

// SetPhaseTiming records the elapsed time and error for one strategy phase
func (r *FailoverRecord) SetPhaseTiming(strategy FailoverStrategy, elapsed time.Duration, err error) {
	ms := elapsed.Milliseconds()
	if ms == 0 && elapsed > 0 {
		ms = 1 // Sub-millisecond phases still count as attempted
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch strategy {
	case StrategyWarmPool:
		r.WarmPoolAttemptMs = ms
		r.WarmPoolError = msg
	case StrategyRegionalVolume:
		r.RegionalVolumeAttemptMs = ms
		r.RegionalVolumeError = msg
	case StrategyCPUStandby:
		r.CPUStandbyAttemptMs = ms
		r.CPUStandbyError = msg
	}
}

// WarmPoolConfig configures the warm pool strategy for a machine
type WarmPoolConfig struct {
	Enabled             bool    `json:"enabled"`
	VolumeSizeGB        int     `json:"volume_size_gb"`
	HealthIntervalS     int     `json:"health_interval_s"`
	FailThreshold       int     `json:"fail_threshold"`
	ReprovisionStandby  bool    `json:"reprovision_standby"`
	MaxStandbyPriceHour float64 `json:"max_standby_price_hour"`
}

// RegionalVolumeConfig configures the regional volume strategy
type RegionalVolumeConfig struct {
	Enabled        bool     `json:"enabled"`
	VolumeID       string   `json:"volume_id,omitempty"`
	Region         string   `json:"region,omitempty"`
	MinReliability float64  `json:"min_reliability"`
	PreferredGPUs  []string `json:"preferred_gpus,omitempty"`
	MountPoint     string   `json:"mount_point"`
	TimeoutS       int      `json:"timeout_s"`
	DestroyOld     bool     `json:"destroy_old"`
}

// CPUStandbyConfig configures the snapshot-and-reprovision strategy
type CPUStandbyConfig struct {
	Enabled         bool    `json:"enabled"`
	MinGPURAMMb     int     `json:"min_gpu_ram_mb"`
	MaxPricePerHour float64 `json:"max_price_per_hour"`
	DiskGB          float64 `json:"disk_gb"`
	Image           string  `json:"image"`
	OnStartScript   string  `json:"on_start_script,omitempty"`
	SmokeTestURL    string  `json:"smoke_test_url,omitempty"` // Inference endpoint template; empty disables
	SmokeTestPrompt string  `json:"smoke_test_prompt,omitempty"`
}

// FailoverPolicy is either the global policy (MachineID empty) or a
// per-machine row. A per-machine row only applies when Override is set.
type FailoverPolicy struct {
	MachineID       string               `json:"machine_id,omitempty"`
	DefaultStrategy FailoverStrategy     `json:"default_strategy"`
	WarmPool        WarmPoolConfig       `json:"warm_pool"`
	RegionalVolume  RegionalVolumeConfig `json:"regional_volume"`
	CPUStandby      CPUStandbyConfig     `json:"cpu_standby"`
	Override        bool                 `json:"override"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// FailoverReadiness reports what a failover for a machine could use right now
type FailoverReadiness struct {
	MachineID         string           `json:"machine_id"`
	Strategy          FailoverStrategy `json:"strategy"`
	WarmPoolReady     bool             `json:"warm_pool_ready"`
	CPUStandbyReady   bool             `json:"cpu_standby_ready"`
	RecommendedAction string           `json:"recommended_action"`
}

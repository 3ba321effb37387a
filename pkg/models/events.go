package models

import "time"

// LifecycleAction is the operation a lifecycle event records
type LifecycleAction string

const (
	ActionCreate    LifecycleAction = "create"
	ActionDestroy   LifecycleAction = "destroy"
	ActionPause     LifecycleAction = "pause"
	ActionResume    LifecycleAction = "resume"
	ActionHibernate LifecycleAction = "hibernate"
	ActionWake      LifecycleAction = "wake"
	ActionError     LifecycleAction = "error"
)

// CallerSource identifies which subsystem or surface requested a lifecycle
// change. Free-form strings are rejected so the audit trail stays queryable.
type CallerSource string

const (
	CallerAPIUser          CallerSource = "api_user"
	CallerAPIDashboard     CallerSource = "api_dashboard"
	CallerAutoHibernation  CallerSource = "auto_hibernation"
	CallerWarmPoolManager  CallerSource = "warm_pool_manager"
	CallerWarmPoolFailover CallerSource = "warm_pool_failover"
	CallerRegionalVolume   CallerSource = "regional_volume"
	CallerCPUStandby       CallerSource = "cpu_standby"
	CallerScheduledTask    CallerSource = "scheduled_task"
	CallerDeployWizard     CallerSource = "deploy_wizard"
	CallerSystem           CallerSource = "system"
	CallerUnknown          CallerSource = "unknown"
)

var validCallerSources = map[CallerSource]bool{
	CallerAPIUser:          true,
	CallerAPIDashboard:     true,
	CallerAutoHibernation:  true,
	CallerWarmPoolManager:  true,
	CallerWarmPoolFailover: true,
	CallerRegionalVolume:   true,
	CallerCPUStandby:       true,
	CallerScheduledTask:    true,
	CallerDeployWizard:     true,
	CallerSystem:           true,
	CallerUnknown:          true,
}

// Valid reports whether cs is one of the enumerated caller sources
func (cs CallerSource) Valid() bool {
	return validCallerSources[cs]
}

// LifecycleEvent is one append-only audit row. Exactly one event is written
// per state-changing call, success or failure, before the call returns.
type LifecycleEvent struct {
	ID             string            `json:"id"`
	InstanceID     string            `json:"instance_id"`
	UserID         string            `json:"user_id,omitempty"`
	Action         LifecycleAction   `json:"action"`
	PreviousStatus string            `json:"previous_status,omitempty"`
	NewStatus      string            `json:"new_status,omitempty"`
	Success        bool              `json:"success"`
	CallerSource   CallerSource      `json:"caller_source"`
	CallerSite     string            `json:"caller_site"` // First stack frame outside the lifecycle package
	Reason         string            `json:"reason"`
	ReasonDetails  string            `json:"reason_details,omitempty"` // Error text when success=false
	SnapshotID     string            `json:"snapshot_id,omitempty"`   // Set by hibernate/wake
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// EventQuery defines criteria for querying lifecycle events
type EventQuery struct {
	InstanceID string          `json:"instance_id,omitempty"`
	Action     LifecycleAction `json:"action,omitempty"`
	Since      time.Time       `json:"since,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

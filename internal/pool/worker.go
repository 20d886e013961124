package pool

import "time"

// WorkerStatus tracks a worker's reported state.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
	WorkerError   WorkerStatus = "error"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerInfo is the pool's record of one external execution agent. The
// pool tracks liveness and cumulative counters; it never runs worker
// code and never dereferences CurrentTask.
type WorkerInfo struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TasksCompleted int               `json:"tasks_completed"`
	UnitsFixed     int               `json:"units_fixed"`
	Escalations    int               `json:"escalations"`
	Status         WorkerStatus      `json:"status"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Healthy        bool              `json:"is_healthy"`
	CurrentTask    string            `json:"current_task,omitempty"`
}

// ScalingAction is the outcome of a scaling decision.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	NoChange  ScalingAction = "no_change"
)

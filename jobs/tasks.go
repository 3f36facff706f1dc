package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskCacheWarmup pre-computes effective permissions for active roles.
	TaskCacheWarmup = "rbac:cache_warmup"
	// TaskConflictScan detects and persists unresolved inheritance conflicts.
	TaskConflictScan = "rbac:conflict_scan"
	// TaskAssignmentSweep deactivates role assignments long past their window.
	TaskAssignmentSweep = "rbac:assignment_sweep"
)

// CacheWarmupPayload selects which organizations to warm. Empty means all.
type CacheWarmupPayload struct {
	OrganizationID int64 `json:"organization_id,omitempty"`
}

// ConflictScanPayload selects which organizations to scan. Empty means all.
type ConflictScanPayload struct {
	OrganizationID int64 `json:"organization_id,omitempty"`
}

// AssignmentSweepPayload bounds how far past expiry an assignment must be
// before the sweep deactivates it.
type AssignmentSweepPayload struct {
	GraceDays int `json:"grace_days"`
}

// NewCacheWarmupTask constructs a warmup task.
func NewCacheWarmupTask(organizationID int64) (*asynq.Task, error) {
	data, err := json.Marshal(CacheWarmupPayload{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}

// NewConflictScanTask constructs a conflict scan task.
func NewConflictScanTask(organizationID int64) (*asynq.Task, error) {
	data, err := json.Marshal(ConflictScanPayload{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConflictScan, data), nil
}

// NewAssignmentSweepTask constructs an assignment sweep task.
func NewAssignmentSweepTask(graceDays int) (*asynq.Task, error) {
	data, err := json.Marshal(AssignmentSweepPayload{GraceDays: graceDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentSweep, data), nil
}

// Package domain defines the storage-agnostic domain structs shared by the
// Scheduler, ScannerEngine, VulnerabilityMerger, and APISecurityPipeline:
// ScanTask, Finding, and the API-scan artefacts (spec §3).
package domain

import "time"

// TaskType is the tagged variant selecting which stages run (spec §4.2).
type TaskType string

const (
	TaskTypePortScan        TaskType = "port_scan"
	TaskTypeSubdomainEnum   TaskType = "subdomain_enum"
	TaskTypeVulnerability   TaskType = "vulnerability_scan"
	TaskTypeWebDiscovery    TaskType = "web_discovery"
	TaskTypeComprehensive   TaskType = "comprehensive"
	TaskTypeAPISecurity     TaskType = "api_security"
)

// ValidTaskTypes lists all recognised task types, used for InvalidConfig
// rejection at submission time.
var ValidTaskTypes = map[TaskType]bool{
	TaskTypePortScan:      true,
	TaskTypeSubdomainEnum: true,
	TaskTypeVulnerability: true,
	TaskTypeWebDiscovery:  true,
	TaskTypeComprehensive: true,
	TaskTypeAPISecurity:   true,
}

// Priority orders dispatch: urgent > high > normal > low (spec §4.1).
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// priorityRank gives a numeric ordering, higher dispatches first.
var priorityRank = map[Priority]int{
	PriorityUrgent: 3,
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// Rank returns p's numeric dispatch priority, defaulting unknown values to
// "normal".
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// State is a ScanTask's lifecycle state (spec §4.1's state machine).
type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateCancelling State = "CANCELLING"
	StateCancelled  State = "CANCELLED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ScheduleKind distinguishes immediate, one-shot, and recurring schedules.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAtTime    ScheduleKind = "at_time"
	ScheduleCron      ScheduleKind = "recurring_cron"
)

// Schedule describes when a task should run.
type Schedule struct {
	Kind   ScheduleKind `json:"kind"`
	AtTime time.Time    `json:"at_time,omitempty"`
	Cron   string       `json:"cron,omitempty"`
}

// RetryPolicy governs the Scheduler's transient-failure requeue behaviour.
type RetryPolicy struct {
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay"`
}

// Progress tracks a running task's advancement.
type Progress struct {
	ProcessedTargets int `json:"processed_targets"`
	TotalTargets     int `json:"total_targets"`
	SuccessCount     int `json:"success_count"`
	ErrorCount       int `json:"error_count"`
}

// Percent computes 0-100 completion, clamped, guarding against divide by
// zero when TotalTargets is unset.
func (p Progress) Percent() int {
	if p.TotalTargets <= 0 {
		return 0
	}
	pct := (p.ProcessedTargets * 100) / p.TotalTargets
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// StageStatus records a single stage's terminal outcome within a task
// (spec §4.2 "Partial success").
type StageStatus struct {
	StageID  string    `json:"stage_id"`
	Status   string    `json:"status"` // COMPLETED | STAGE_TIMEOUT | STAGE_FAILED | STAGE_SKIPPED | STAGE_CANCELLED
	Findings int       `json:"findings"`
	Error    string    `json:"error,omitempty"`
	EndedAt  time.Time `json:"ended_at,omitempty"`
}

// ScanTask is the unit of work accepted, scheduled, and executed by the
// core (spec §3).
type ScanTask struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	TaskType    TaskType `json:"task_type"`
	Priority    Priority `json:"priority"`
	Creator     string   `json:"creator"`
	Targets     []string `json:"targets"`
	ToolConfig  map[string]string `json:"tool_config,omitempty"`
	Schedule    Schedule `json:"schedule"`
	MaxExecutionTime time.Duration `json:"max_execution_time"`

	State State `json:"state"`

	Progress Progress `json:"progress"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Retry RetryPolicy `json:"retry"`

	ParentTaskID string   `json:"parent_task_id,omitempty"`
	ChildTaskIDs []string `json:"child_task_ids,omitempty"`

	StageStatuses []StageStatus `json:"stage_statuses,omitempty"`
	ErrorMessages []string      `json:"error_messages,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`

	// SequenceCursor is the last progress sequence number emitted for this
	// task; monotonic per task (spec §4.2 "Progress").
	SequenceCursor uint64 `json:"-"`
}

// Duration returns the task's elapsed/run duration, or zero if it has not
// started.
func (t *ScanTask) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	return end.Sub(*t.StartedAt)
}

package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCASMismatch is returned by Store.UpdateState when the task's current
// state does not match the expected "from" state — the compare-and-set
// lost a race (spec §4.5, §5 "State transitions ... linearised through the
// TaskStore CAS").
var ErrCASMismatch = errors.New("taskstore: compare-and-set state mismatch")

// ListFilter narrows Store.List results (spec §4.1 "list").
type ListFilter struct {
	Principal string
	IsAdmin   bool
	TaskType  TaskType
	State     State
	Priority  Priority
	From      time.Time
	To        time.Time
}

// Page is a cursor-paginated result set, ordered by created_at descending.
type Page struct {
	Tasks      []ScanTask `json:"tasks"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Stats aggregates counts and average duration for a principal's tasks
// (spec §4.1 "stats").
type Stats struct {
	CountByState    map[State]int    `json:"count_by_state"`
	CountByType     map[TaskType]int `json:"count_by_type"`
	CountByPriority map[Priority]int `json:"count_by_priority"`
	AverageDuration time.Duration    `json:"average_duration_ns"`
}

// Store is the durable TaskStore contract (spec §4.5): put/get/list,
// append findings, and a CAS'd state transition. Implementations:
// internal/taskstore/memory (default, zero-config) and
// internal/taskstore/postgres (durable).
type Store interface {
	Put(ctx context.Context, task ScanTask) error
	Get(ctx context.Context, id string) (ScanTask, error)
	List(ctx context.Context, filter ListFilter, cursor string, limit int) (Page, error)
	Stats(ctx context.Context, principal string, isAdmin bool) (Stats, error)

	// UpdateState performs a compare-and-set transition: it succeeds only
	// if the stored task is currently in `from`. Returns ErrCASMismatch
	// otherwise.
	UpdateState(ctx context.Context, id string, from, to State, mutate func(*ScanTask)) error

	AppendFindings(ctx context.Context, taskID string, findings []Finding) error
	GetFindings(ctx context.Context, taskID string) ([]Finding, error)

	// ClearFindings discards all findings previously appended for taskID,
	// used by Scheduler.Restart (spec §4.1 "restart": "clears findings").
	ClearFindings(ctx context.Context, taskID string) error

	PutJSResources(ctx context.Context, taskID string, resources []JSResource) error
	PutAPIEndpoints(ctx context.Context, taskID string, endpoints []APIEndpoint) error
	PutMicroservices(ctx context.Context, taskID string, services []Microservice) error
	PutAPISecurityIssues(ctx context.Context, taskID string, issues []APISecurityIssue) error

	GetAPIArtifacts(ctx context.Context, taskID string) (APIArtifacts, error)

	// Delete cascades: findings, js_resources, api_endpoints,
	// microservices, api_security_issues for the task must no longer be
	// queryable afterwards (spec §8 "Cascade on delete").
	Delete(ctx context.Context, id string) error
}

// APIArtifacts bundles all APISecurityPipeline outputs for a task.
type APIArtifacts struct {
	JSResources   []JSResource        `json:"js_resources,omitempty"`
	Endpoints     []APIEndpoint       `json:"endpoints,omitempty"`
	Microservices []Microservice      `json:"microservices,omitempty"`
	Issues        []APISecurityIssue  `json:"issues,omitempty"`
}

// AdmissionTicket is the ephemeral rate-limit bookkeeping record (spec §3).
type AdmissionTicket struct {
	Principal string
	TaskID    string
	AdmittedAt time.Time
	TTL       time.Duration
}

// Package postgres is the durable TaskStore implementation, grounded on
// the teacher's internal/app/storage/postgres + internal/platform/database
// pairing: database/sql plus lib/pq as the driver, sqlx for scan
// convenience, and SQL-level compare-and-set for state transitions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
)

// Store is a sqlx-backed, PostgreSQL-durable domain.Store.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-opened *sql.DB (see internal/platform/database.Open)
// as a sqlx.DB with the "postgres" driver.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

var _ domain.Store = (*Store)(nil)

type taskRow struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	Description         string         `db:"description"`
	TaskType            string         `db:"task_type"`
	Priority            string         `db:"priority"`
	Creator             string         `db:"creator"`
	Targets             []byte         `db:"targets"`
	ToolConfig          []byte         `db:"tool_config"`
	Schedule            []byte         `db:"schedule"`
	MaxExecutionTimeNS  int64          `db:"max_execution_time_ns"`
	State               string         `db:"state"`
	ProcessedTargets    int            `db:"processed_targets"`
	TotalTargets        int            `db:"total_targets"`
	SuccessCount        int            `db:"success_count"`
	ErrorCount          int            `db:"error_count"`
	CreatedAt           time.Time      `db:"created_at"`
	StartedAt           sql.NullTime   `db:"started_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	RetryCount          int            `db:"retry_count"`
	MaxRetries          int            `db:"max_retries"`
	RetryDelayNS        int64          `db:"retry_delay_ns"`
	ParentTaskID        sql.NullString `db:"parent_task_id"`
	ChildTaskIDs        []byte         `db:"child_task_ids"`
	StageStatuses       []byte         `db:"stage_statuses"`
	ErrorMessages       []byte         `db:"error_messages"`
	CancelReason        string         `db:"cancel_reason"`
}

func toRow(t domain.ScanTask) (taskRow, error) {
	targets, err := json.Marshal(t.Targets)
	if err != nil {
		return taskRow{}, err
	}
	toolConfig, err := json.Marshal(t.ToolConfig)
	if err != nil {
		return taskRow{}, err
	}
	schedule, err := json.Marshal(t.Schedule)
	if err != nil {
		return taskRow{}, err
	}
	childIDs, err := json.Marshal(t.ChildTaskIDs)
	if err != nil {
		return taskRow{}, err
	}
	stageStatuses, err := json.Marshal(t.StageStatuses)
	if err != nil {
		return taskRow{}, err
	}
	errMessages, err := json.Marshal(t.ErrorMessages)
	if err != nil {
		return taskRow{}, err
	}

	row := taskRow{
		ID:                 t.ID,
		Name:               t.Name,
		Description:        t.Description,
		TaskType:           string(t.TaskType),
		Priority:           string(t.Priority),
		Creator:            t.Creator,
		Targets:            targets,
		ToolConfig:         toolConfig,
		Schedule:           schedule,
		MaxExecutionTimeNS: int64(t.MaxExecutionTime),
		State:              string(t.State),
		ProcessedTargets:   t.Progress.ProcessedTargets,
		TotalTargets:       t.Progress.TotalTargets,
		SuccessCount:       t.Progress.SuccessCount,
		ErrorCount:         t.Progress.ErrorCount,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		RetryCount:         t.Retry.RetryCount,
		MaxRetries:         t.Retry.MaxRetries,
		RetryDelayNS:       int64(t.Retry.RetryDelay),
		ChildTaskIDs:       childIDs,
		StageStatuses:      stageStatuses,
		ErrorMessages:      errMessages,
		CancelReason:       t.CancelReason,
	}
	if t.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *t.StartedAt, Valid: true}
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	if t.ParentTaskID != "" {
		row.ParentTaskID = sql.NullString{String: t.ParentTaskID, Valid: true}
	}
	return row, nil
}

func (r taskRow) toDomain() (domain.ScanTask, error) {
	t := domain.ScanTask{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		TaskType:         domain.TaskType(r.TaskType),
		Priority:         domain.Priority(r.Priority),
		Creator:          r.Creator,
		MaxExecutionTime: time.Duration(r.MaxExecutionTimeNS),
		State:            domain.State(r.State),
		Progress: domain.Progress{
			ProcessedTargets: r.ProcessedTargets,
			TotalTargets:     r.TotalTargets,
			SuccessCount:     r.SuccessCount,
			ErrorCount:       r.ErrorCount,
		},
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Retry: domain.RetryPolicy{
			RetryCount: r.RetryCount,
			MaxRetries: r.MaxRetries,
			RetryDelay: time.Duration(r.RetryDelayNS),
		},
		CancelReason: r.CancelReason,
	}
	if err := json.Unmarshal(r.Targets, &t.Targets); err != nil {
		return t, err
	}
	if len(r.ToolConfig) > 0 {
		if err := json.Unmarshal(r.ToolConfig, &t.ToolConfig); err != nil {
			return t, err
		}
	}
	if len(r.Schedule) > 0 {
		if err := json.Unmarshal(r.Schedule, &t.Schedule); err != nil {
			return t, err
		}
	}
	if err := json.Unmarshal(r.ChildTaskIDs, &t.ChildTaskIDs); err != nil {
		return t, err
	}
	if err := json.Unmarshal(r.StageStatuses, &t.StageStatuses); err != nil {
		return t, err
	}
	if err := json.Unmarshal(r.ErrorMessages, &t.ErrorMessages); err != nil {
		return t, err
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		t.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		t.CompletedAt = &v
	}
	if r.ParentTaskID.Valid {
		t.ParentTaskID = r.ParentTaskID.String
	}
	return t, nil
}

func (s *Store) Put(ctx context.Context, t domain.ScanTask) error {
	row, err := toRow(t)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "marshal task", err)
	}
	const q = `
INSERT INTO tasks (
    id, name, description, task_type, priority, creator, targets, tool_config, schedule,
    max_execution_time_ns, state, processed_targets, total_targets, success_count, error_count,
    created_at, started_at, completed_at, updated_at, retry_count, max_retries, retry_delay_ns,
    parent_task_id, child_task_ids, stage_statuses, error_messages, cancel_reason
) VALUES (
    :id, :name, :description, :task_type, :priority, :creator, :targets, :tool_config, :schedule,
    :max_execution_time_ns, :state, :processed_targets, :total_targets, :success_count, :error_count,
    :created_at, :started_at, :completed_at, :updated_at, :retry_count, :max_retries, :retry_delay_ns,
    :parent_task_id, :child_task_ids, :stage_statuses, :error_messages, :cancel_reason
) ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name, description = EXCLUDED.description, task_type = EXCLUDED.task_type,
    priority = EXCLUDED.priority, targets = EXCLUDED.targets, tool_config = EXCLUDED.tool_config,
    schedule = EXCLUDED.schedule, max_execution_time_ns = EXCLUDED.max_execution_time_ns,
    state = EXCLUDED.state, processed_targets = EXCLUDED.processed_targets,
    total_targets = EXCLUDED.total_targets, success_count = EXCLUDED.success_count,
    error_count = EXCLUDED.error_count, started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at,
    retry_count = EXCLUDED.retry_count, max_retries = EXCLUDED.max_retries,
    retry_delay_ns = EXCLUDED.retry_delay_ns, parent_task_id = EXCLUDED.parent_task_id,
    child_task_ids = EXCLUDED.child_task_ids, stage_statuses = EXCLUDED.stage_statuses,
    error_messages = EXCLUDED.error_messages, cancel_reason = EXCLUDED.cancel_reason`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "put task", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.ScanTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return domain.ScanTask{}, apperr.New(apperr.CodeNotFound, "task not found").WithDetail("task_id", id)
	}
	if err != nil {
		return domain.ScanTask{}, apperr.Wrap(apperr.CodeStorageError, "get task", err)
	}
	return row.toDomain()
}

func (s *Store) List(ctx context.Context, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if !filter.IsAdmin && filter.Principal != "" {
		add("creator =", filter.Principal)
	}
	if filter.TaskType != "" {
		add("task_type =", string(filter.TaskType))
	}
	if filter.State != "" {
		add("state =", string(filter.State))
	}
	if filter.Priority != "" {
		add("priority =", string(filter.Priority))
	}
	if !filter.From.IsZero() {
		add("created_at >=", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <=", filter.To)
	}

	offset := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &offset)
	}
	if limit <= 0 {
		limit = 50
	}

	args = append(args, limit+1, offset)
	q := fmt.Sprintf(`SELECT * FROM tasks %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return domain.Page{}, apperr.Wrap(apperr.CodeStorageError, "list tasks", err)
	}

	page := domain.Page{}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return domain.Page{}, apperr.Wrap(apperr.CodeStorageError, "decode task", err)
		}
		page.Tasks = append(page.Tasks, t)
	}
	if hasMore {
		page.NextCursor = fmt.Sprintf("%d", offset+limit)
	}
	return page, nil
}

func (s *Store) Stats(ctx context.Context, principal string, isAdmin bool) (domain.Stats, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if !isAdmin {
		args = append(args, principal)
		where += fmt.Sprintf(" AND creator = $%d", len(args))
	}

	stats := domain.Stats{
		CountByState:    make(map[domain.State]int),
		CountByType:     make(map[domain.TaskType]int),
		CountByPriority: make(map[domain.Priority]int),
	}

	type groupRow struct {
		State    string `db:"state"`
		TaskType string `db:"task_type"`
		Priority string `db:"priority"`
		Count    int    `db:"count"`
	}
	var rows []groupRow
	q := fmt.Sprintf(`SELECT state, task_type, priority, count(*) as count FROM tasks %s GROUP BY state, task_type, priority`, where)
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return stats, apperr.Wrap(apperr.CodeStorageError, "stats", err)
	}
	for _, r := range rows {
		stats.CountByState[domain.State(r.State)] += r.Count
		stats.CountByType[domain.TaskType(r.TaskType)] += r.Count
		stats.CountByPriority[domain.Priority(r.Priority)] += r.Count
	}

	var avgSeconds sql.NullFloat64
	avgQ := fmt.Sprintf(`SELECT avg(extract(epoch from (completed_at - started_at))) FROM tasks %s AND state = 'COMPLETED' AND started_at IS NOT NULL AND completed_at IS NOT NULL`, where)
	if err := s.db.GetContext(ctx, &avgSeconds, avgQ, args...); err == nil && avgSeconds.Valid {
		stats.AverageDuration = time.Duration(avgSeconds.Float64 * float64(time.Second))
	}
	return stats, nil
}

// UpdateState performs the required CAS transition: the UPDATE only
// matches the row when its current state equals `from`; RowsAffected == 0
// means another writer won the race (spec §4.5, §5).
func (s *Store) UpdateState(ctx context.Context, id string, from, to domain.State, mutate func(*domain.ScanTask)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()

	var row taskRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return apperr.New(apperr.CodeNotFound, "task not found").WithDetail("task_id", id)
		}
		return apperr.Wrap(apperr.CodeStorageError, "lock task", err)
	}
	if domain.State(row.State) != from {
		return domain.ErrCASMismatch
	}

	task, err := row.toDomain()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "decode task", err)
	}
	task.State = to
	task.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&task)
	}

	newRow, err := toRow(task)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "marshal task", err)
	}

	const q = `
UPDATE tasks SET
    name = :name, description = :description, priority = :priority,
    state = :state, processed_targets = :processed_targets, total_targets = :total_targets,
    success_count = :success_count, error_count = :error_count, started_at = :started_at,
    completed_at = :completed_at, updated_at = :updated_at, retry_count = :retry_count,
    stage_statuses = :stage_statuses, error_messages = :error_messages, cancel_reason = :cancel_reason
WHERE id = :id AND state = '` + string(from) + `'`

	res, err := tx.NamedExecContext(ctx, q, newRow)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "update state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "rows affected", err)
	}
	if affected == 0 {
		return domain.ErrCASMismatch
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

type findingRow struct {
	ID          string    `db:"id"`
	TaskID      string    `db:"task_id"`
	Fingerprint string    `db:"fingerprint"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Severity    string    `db:"severity"`
	Category    string    `db:"category"`
	SourceTool  string    `db:"source_tool"`
	Target      []byte    `db:"target"`
	Evidence    []byte    `db:"evidence"`
	References  []byte    `db:"references"`
	Tags        []byte    `db:"tags"`
	Remediation string    `db:"remediation"`
	Confidence  float64   `db:"confidence"`
	CWEID       string    `db:"cwe_id"`
	Provenance  []byte    `db:"provenance"`
	CreatedAt   time.Time `db:"created_at"`
}

func findingToRow(taskID string, f domain.Finding) (findingRow, error) {
	target, err := json.Marshal(f.Target)
	if err != nil {
		return findingRow{}, err
	}
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		return findingRow{}, err
	}
	refs, err := json.Marshal(f.References)
	if err != nil {
		return findingRow{}, err
	}
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return findingRow{}, err
	}
	prov, err := json.Marshal(f.Provenance)
	if err != nil {
		return findingRow{}, err
	}
	return findingRow{
		ID:          f.ID,
		TaskID:      taskID,
		Fingerprint: f.Fingerprint(),
		Title:       f.Title,
		Description: f.Description,
		Severity:    string(f.Severity),
		Category:    f.Category,
		SourceTool:  f.SourceTool,
		Target:      target,
		Evidence:    evidence,
		References:  refs,
		Tags:        tags,
		Remediation: f.Remediation,
		Confidence:  f.Confidence,
		CWEID:       f.CWEID,
		Provenance:  prov,
	}, nil
}

func (r findingRow) toDomain() (domain.Finding, error) {
	f := domain.Finding{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Severity:    domain.Severity(r.Severity),
		Category:    r.Category,
		SourceTool:  r.SourceTool,
		Remediation: r.Remediation,
		Confidence:  r.Confidence,
		CWEID:       r.CWEID,
	}
	if err := json.Unmarshal(r.Target, &f.Target); err != nil {
		return f, err
	}
	if len(r.Evidence) > 0 {
		if err := json.Unmarshal(r.Evidence, &f.Evidence); err != nil {
			return f, err
		}
	}
	if len(r.References) > 0 {
		if err := json.Unmarshal(r.References, &f.References); err != nil {
			return f, err
		}
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &f.Tags); err != nil {
			return f, err
		}
	}
	if len(r.Provenance) > 0 {
		if err := json.Unmarshal(r.Provenance, &f.Provenance); err != nil {
			return f, err
		}
	}
	return f, nil
}

func (s *Store) AppendFindings(ctx context.Context, taskID string, findings []domain.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO findings (
    id, task_id, fingerprint, title, description, severity, category, source_tool,
    target, evidence, "references", tags, remediation, confidence, cwe_id, provenance
) VALUES (
    :id, :task_id, :fingerprint, :title, :description, :severity, :category, :source_tool,
    :target, :evidence, :references, :tags, :remediation, :confidence, :cwe_id, :provenance
) ON CONFLICT (id) DO UPDATE SET
    title = EXCLUDED.title, description = EXCLUDED.description, severity = EXCLUDED.severity,
    evidence = EXCLUDED.evidence, "references" = EXCLUDED."references", tags = EXCLUDED.tags,
    remediation = EXCLUDED.remediation, confidence = EXCLUDED.confidence, provenance = EXCLUDED.provenance`

	for _, f := range findings {
		row, err := findingToRow(taskID, f)
		if err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "marshal finding", err)
		}
		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "append finding", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

func (s *Store) GetFindings(ctx context.Context, taskID string) ([]domain.Finding, error) {
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM findings WHERE task_id = $1 ORDER BY created_at ASC`, taskID); err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageError, "get findings", err)
	}
	out := make([]domain.Finding, 0, len(rows))
	for _, row := range rows {
		f, err := row.toDomain()
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeStorageError, "decode finding", err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) ClearFindings(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM findings WHERE task_id = $1`, taskID); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "clear findings", err)
	}
	return nil
}

func (s *Store) PutJSResources(ctx context.Context, taskID string, resources []domain.JSResource) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM js_resources WHERE task_id = $1`, taskID); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "clear js resources", err)
	}
	for _, r := range resources {
		paths, err := json.Marshal(r.ExtractedAPIPaths)
		if err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "marshal js resource", err)
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO js_resources (id, task_id, url, content_hash, extracted_api_paths) VALUES ($1,$2,$3,$4,$5)`,
			id, taskID, r.URL, r.ContentHash, paths); err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "insert js resource", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

func (s *Store) PutAPIEndpoints(ctx context.Context, taskID string, endpoints []domain.APIEndpoint) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_endpoints WHERE task_id = $1`, taskID); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "clear api endpoints", err)
	}
	for _, e := range endpoints {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_endpoints (id, task_id, base_url, base_api_path, service_path, api_path, method, observed_status, observed_response_size)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			id, taskID, e.BaseURL, e.BaseAPIPath, e.ServicePath, e.APIPath, e.Method, e.ObservedStatus, e.ObservedResponseSize); err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "insert api endpoint", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

func (s *Store) PutMicroservices(ctx context.Context, taskID string, services []domain.Microservice) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM microservices WHERE task_id = $1`, taskID); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "clear microservices", err)
	}
	for _, svc := range services {
		endpoints, err := json.Marshal(svc.Endpoints)
		if err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "marshal microservice endpoints", err)
		}
		techs, err := json.Marshal(svc.DetectedTechnologies)
		if err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "marshal microservice technologies", err)
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO microservices (id, task_id, base_url, service_name, endpoints, detected_technologies) VALUES ($1,$2,$3,$4,$5,$6)`,
			id, taskID, svc.BaseURL, svc.ServiceName, endpoints, techs); err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "insert microservice", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

func (s *Store) PutAPISecurityIssues(ctx context.Context, taskID string, issues []domain.APISecurityIssue) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "begin tx", err)
	}
	defer tx.Rollback()
	for _, issue := range issues {
		id := issue.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_security_issues (id, task_id, type, severity, target_url, evidence, observed_at) VALUES ($1,$2,$3,$4,$5,$6,$7)
             ON CONFLICT (id) DO NOTHING`,
			id, taskID, issue.Type, string(issue.Severity), issue.TargetURL, issue.Evidence, issue.ObservedAt); err != nil {
			return apperr.Wrap(apperr.CodeStorageError, "insert api security issue", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "commit", err)
	}
	return nil
}

func (s *Store) GetAPIArtifacts(ctx context.Context, taskID string) (domain.APIArtifacts, error) {
	var artifacts domain.APIArtifacts

	var jsRows []struct {
		URL               string `db:"url"`
		ContentHash       string `db:"content_hash"`
		ExtractedAPIPaths []byte `db:"extracted_api_paths"`
	}
	if err := s.db.SelectContext(ctx, &jsRows, `SELECT url, content_hash, extracted_api_paths FROM js_resources WHERE task_id = $1`, taskID); err != nil {
		return artifacts, apperr.Wrap(apperr.CodeStorageError, "get js resources", err)
	}
	for _, r := range jsRows {
		res := domain.JSResource{URL: r.URL, ContentHash: r.ContentHash}
		if len(r.ExtractedAPIPaths) > 0 {
			_ = json.Unmarshal(r.ExtractedAPIPaths, &res.ExtractedAPIPaths)
		}
		artifacts.JSResources = append(artifacts.JSResources, res)
	}

	type endpointRow struct {
		ID                   string `db:"id"`
		BaseURL              string `db:"base_url"`
		BaseAPIPath          string `db:"base_api_path"`
		ServicePath          string `db:"service_path"`
		APIPath              string `db:"api_path"`
		Method               string `db:"method"`
		ObservedStatus       int    `db:"observed_status"`
		ObservedResponseSize int    `db:"observed_response_size"`
	}
	var epRows []endpointRow
	if err := s.db.SelectContext(ctx, &epRows, `SELECT * FROM api_endpoints WHERE task_id = $1`, taskID); err != nil {
		return artifacts, apperr.Wrap(apperr.CodeStorageError, "get api endpoints", err)
	}
	for _, r := range epRows {
		artifacts.Endpoints = append(artifacts.Endpoints, domain.APIEndpoint{
			ID: r.ID, BaseURL: r.BaseURL, BaseAPIPath: r.BaseAPIPath, ServicePath: r.ServicePath,
			APIPath: r.APIPath, Method: r.Method, ObservedStatus: r.ObservedStatus, ObservedResponseSize: r.ObservedResponseSize,
		})
	}

	var svcRows []struct {
		BaseURL              string `db:"base_url"`
		ServiceName          string `db:"service_name"`
		Endpoints            []byte `db:"endpoints"`
		DetectedTechnologies []byte `db:"detected_technologies"`
	}
	if err := s.db.SelectContext(ctx, &svcRows, `SELECT base_url, service_name, endpoints, detected_technologies FROM microservices WHERE task_id = $1`, taskID); err != nil {
		return artifacts, apperr.Wrap(apperr.CodeStorageError, "get microservices", err)
	}
	for _, r := range svcRows {
		svc := domain.Microservice{BaseURL: r.BaseURL, ServiceName: r.ServiceName}
		if len(r.Endpoints) > 0 {
			_ = json.Unmarshal(r.Endpoints, &svc.Endpoints)
		}
		if len(r.DetectedTechnologies) > 0 {
			_ = json.Unmarshal(r.DetectedTechnologies, &svc.DetectedTechnologies)
		}
		artifacts.Microservices = append(artifacts.Microservices, svc)
	}

	type issueRow struct {
		ID         string    `db:"id"`
		Type       string    `db:"type"`
		Severity   string    `db:"severity"`
		TargetURL  string    `db:"target_url"`
		Evidence   string    `db:"evidence"`
		ObservedAt time.Time `db:"observed_at"`
	}
	var issueRows []issueRow
	if err := s.db.SelectContext(ctx, &issueRows, `SELECT * FROM api_security_issues WHERE task_id = $1`, taskID); err != nil {
		return artifacts, apperr.Wrap(apperr.CodeStorageError, "get api security issues", err)
	}
	for _, r := range issueRows {
		artifacts.Issues = append(artifacts.Issues, domain.APISecurityIssue{
			ID: r.ID, Type: r.Type, Severity: domain.Severity(r.Severity), TargetURL: r.TargetURL,
			Evidence: r.Evidence, ObservedAt: r.ObservedAt,
		})
	}

	return artifacts, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "delete task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageError, "rows affected", err)
	}
	if affected == 0 {
		return apperr.New(apperr.CodeNotFound, "task not found").WithDetail("task_id", id)
	}
	return nil
}

// Package httpapi is the transport layer exposed over the Scheduler (spec
// §6 "External interfaces"), grounded on the teacher's internal/app/httpapi
// package: a gorilla/mux router, JWT principal middleware, and thin
// handlers that translate HTTP requests into Scheduler calls and
// apperr.Error into the right status code.
package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/httputil"
	"github.com/scanforge/socscan/internal/scanner"
)

// SchedulerAPI is the narrow seam handlers depend on, so the router can be
// tested against a fake without spinning up a real Scheduler/TaskStore.
type SchedulerAPI interface {
	Submit(ctx context.Context, task domain.ScanTask) (domain.ScanTask, error)
	Get(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error)
	List(ctx context.Context, principal string, isAdmin bool, filter domain.ListFilter, cursor string, limit int) (domain.Page, error)
	Stats(ctx context.Context, principal string, isAdmin bool) (domain.Stats, error)
	Cancel(ctx context.Context, id, principal string, isAdmin bool, reason string) error
	Restart(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error)
	Clone(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error)
	StartNow(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error)
	Delete(ctx context.Context, id, principal string, isAdmin bool) error
	Results(ctx context.Context, id, principal string, isAdmin bool) ([]domain.Finding, error)
	Artifacts(ctx context.Context, id, principal string, isAdmin bool) (domain.APIArtifacts, error)
	UpdateMetadata(ctx context.Context, id, principal string, isAdmin bool, patch MetadataPatch) (domain.ScanTask, error)
}

// MetadataPatch mirrors scheduler.MetadataPatch; handlers build one from
// the PATCH body and schedulerAdapter translates it to the concrete
// scheduler type.
type MetadataPatch struct {
	Name        *string
	Description *string
	Priority    *domain.Priority
}

type submitRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	TaskType         domain.TaskType   `json:"task_type"`
	Priority         domain.Priority   `json:"priority"`
	Targets          []string          `json:"targets"`
	TargetURL        string            `json:"target_url"`
	ToolConfig       map[string]string `json:"tool_config"`
	Schedule         domain.Schedule   `json:"schedule"`
	MaxExecutionTime int64             `json:"max_execution_time_seconds"`
	TargetsFile      *targetsFileRef   `json:"targets_file"`
}

type targetsFileRef struct {
	Format  string `json:"format"` // csv | json | nmap-xml
	Content string `json:"content"`
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	targets := append([]string(nil), req.Targets...)
	if req.TargetURL != "" {
		targets = append(targets, req.TargetURL)
	}
	if req.TargetsFile != nil {
		imported, err := importTargets(req.TargetsFile.Format, req.TargetsFile.Content)
		if err != nil {
			httputil.BadRequest(w, "targets_file: "+err.Error())
			return
		}
		targets = append(targets, imported...)
	}

	principal := principalFrom(r.Context())
	task := domain.ScanTask{
		Name:             req.Name,
		Description:      req.Description,
		TaskType:         req.TaskType,
		Priority:         req.Priority,
		Creator:          principal.ID,
		Targets:          targets,
		ToolConfig:       req.ToolConfig,
		Schedule:         req.Schedule,
		MaxExecutionTime: secondsToDuration(req.MaxExecutionTime),
	}

	created, err := h.scheduler.Submit(r.Context(), task)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func importTargets(format, content string) ([]string, error) {
	reader := strings.NewReader(content)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		records, err := scanner.ParseTargetCSV(reader)
		if err != nil {
			return nil, err
		}
		return targetStrings(records), nil
	case "json":
		records, err := scanner.ParseTargetJSON(reader)
		if err != nil {
			return nil, err
		}
		return targetStrings(records), nil
	case "nmap-xml", "xml":
		records, err := scanner.ParseTargetsNmapXML(reader)
		if err != nil {
			return nil, err
		}
		return targetStrings(records), nil
	default:
		return nil, apperr.New(apperr.CodeInvalidConfig, "unsupported targets_file format").WithDetail("format", format)
	}
}

func targetStrings(records []scanner.TargetRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if t := rec.TargetString(); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	task, err := h.scheduler.Get(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (h *Handlers) handleList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	q := r.URL.Query()
	filter := domain.ListFilter{
		TaskType: domain.TaskType(q.Get("type")),
		State:    domain.State(q.Get("state")),
		Priority: domain.Priority(q.Get("priority")),
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	page, err := h.scheduler.List(r.Context(), principal.ID, principal.IsAdmin, filter, q.Get("skip"), limit)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	stats, err := h.scheduler.Stats(r.Context(), principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

type patchRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Priority    *domain.Priority `json:"priority"`
}

func (h *Handlers) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req patchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	principal := principalFrom(r.Context())
	updated, err := h.scheduler.UpdateMetadata(r.Context(), id, principal.ID, principal.IsAdmin, MetadataPatch{
		Name: req.Name, Description: req.Description, Priority: req.Priority,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	if err := h.scheduler.Delete(r.Context(), id, principal.ID, principal.IsAdmin); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	principal := principalFrom(r.Context())
	if err := h.scheduler.Cancel(r.Context(), id, principal.ID, principal.IsAdmin, req.Reason); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	task, err := h.scheduler.StartNow(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (h *Handlers) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	task, err := h.scheduler.Restart(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (h *Handlers) handleClone(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	task, err := h.scheduler.Clone(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, task)
}

func (h *Handlers) handleResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	findings, err := h.scheduler.Results(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	artifacts, err := h.scheduler.Artifacts(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resultsResponse{Findings: findings, APIArtifacts: artifacts})
}

type resultsResponse struct {
	Findings     []domain.Finding    `json:"findings"`
	APIArtifacts domain.APIArtifacts `json:"api_artifacts"`
}

type logEntry struct {
	Stage      string `json:"stage"`
	ExitReason string `json:"exit_reason"`
	StderrTail string `json:"stderr_tail"`
}

func (h *Handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	task, err := h.scheduler.Get(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	logs := make([]logEntry, 0, len(task.StageStatuses))
	for _, st := range task.StageStatuses {
		logs = append(logs, logEntry{Stage: st.StageID, ExitReason: st.Status, StderrTail: st.Error})
	}
	httputil.WriteJSON(w, http.StatusOK, logs)
}

func (h *Handlers) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	principal := principalFrom(r.Context())
	findings, err := h.scheduler.Results(r.Context(), id, principal.ID, principal.IsAdmin)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "csv" {
		writeFindingsCSV(w, findings)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, findings)
}

func writeFindingsCSV(w http.ResponseWriter, findings []domain.Finding) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="findings.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "title", "severity", "category", "source_tool", "target", "confidence", "cwe_id"})
	for _, f := range findings {
		target := f.Target.URL
		if target == "" {
			target = f.Target.Host
		}
		_ = cw.Write([]string{
			f.ID, f.Title, string(f.Severity), f.Category, f.SourceTool, target,
			strconv.FormatFloat(f.Confidence, 'f', 2, 64), f.CWEID,
		})
	}
	cw.Flush()
}

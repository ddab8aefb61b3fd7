package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
)

type fakeScheduler struct {
	tasks map[string]domain.ScanTask
	findings map[string][]domain.Finding
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: map[string]domain.ScanTask{}, findings: map[string][]domain.Finding{}}
}

func (f *fakeScheduler) Submit(ctx context.Context, task domain.ScanTask) (domain.ScanTask, error) {
	task.ID = "task-1"
	task.State = domain.StatePending
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeScheduler) Get(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return domain.ScanTask{}, apperr.New(apperr.CodeNotFound, "task not found")
	}
	if !isAdmin && task.Creator != principal {
		return domain.ScanTask{}, apperr.New(apperr.CodeForbidden, "not the task owner")
	}
	return task, nil
}

func (f *fakeScheduler) List(ctx context.Context, principal string, isAdmin bool, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	var out []domain.ScanTask
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return domain.Page{Tasks: out}, nil
}

func (f *fakeScheduler) Stats(ctx context.Context, principal string, isAdmin bool) (domain.Stats, error) {
	return domain.Stats{CountByState: map[domain.State]int{domain.StatePending: len(f.tasks)}}, nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id, principal string, isAdmin bool, reason string) error {
	task, err := f.Get(ctx, id, principal, isAdmin)
	if err != nil {
		return err
	}
	task.State = domain.StateCancelling
	f.tasks[id] = task
	return nil
}

func (f *fakeScheduler) Restart(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return f.Get(ctx, id, principal, isAdmin)
}

func (f *fakeScheduler) Clone(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	src, err := f.Get(ctx, id, principal, isAdmin)
	if err != nil {
		return domain.ScanTask{}, err
	}
	clone := src
	clone.ID = "task-clone"
	f.tasks[clone.ID] = clone
	return clone, nil
}

func (f *fakeScheduler) StartNow(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return f.Get(ctx, id, principal, isAdmin)
}

func (f *fakeScheduler) Delete(ctx context.Context, id, principal string, isAdmin bool) error {
	if _, err := f.Get(ctx, id, principal, isAdmin); err != nil {
		return err
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeScheduler) Results(ctx context.Context, id, principal string, isAdmin bool) ([]domain.Finding, error) {
	if _, err := f.Get(ctx, id, principal, isAdmin); err != nil {
		return nil, err
	}
	return f.findings[id], nil
}

func (f *fakeScheduler) Artifacts(ctx context.Context, id, principal string, isAdmin bool) (domain.APIArtifacts, error) {
	if _, err := f.Get(ctx, id, principal, isAdmin); err != nil {
		return domain.APIArtifacts{}, err
	}
	return domain.APIArtifacts{}, nil
}

func (f *fakeScheduler) UpdateMetadata(ctx context.Context, id, principal string, isAdmin bool, patch MetadataPatch) (domain.ScanTask, error) {
	task, err := f.Get(ctx, id, principal, isAdmin)
	if err != nil {
		return domain.ScanTask{}, err
	}
	if patch.Name != nil {
		task.Name = *patch.Name
	}
	f.tasks[id] = task
	return task, nil
}

func withPrincipal(req *http.Request, id string, admin bool) *http.Request {
	ctx := context.WithValue(req.Context(), principalCtxKey, Principal{ID: id, IsAdmin: admin})
	return req.WithContext(ctx)
}

func TestHandleSubmit_CreatesTaskOwnedByPrincipal(t *testing.T) {
	f := newFakeScheduler()
	h := &Handlers{scheduler: f}

	body := `{"name":"scan","task_type":"port_scan","targets":["example.com"]}`
	req := httptest.NewRequest(http.MethodPost, "/scans", bytes.NewBufferString(body))
	req = withPrincipal(req, "alice", false)
	rec := httptest.NewRecorder()

	h.handleSubmit(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var task domain.ScanTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "alice", task.Creator)
	assert.Equal(t, "task-1", task.ID)
}

func TestHandleSubmit_MergesTargetsFileCSV(t *testing.T) {
	f := newFakeScheduler()
	h := &Handlers{scheduler: f}

	body := `{"name":"scan","task_type":"port_scan","targets_file":{"format":"csv","content":"name,type,domain,ip_address\nweb,domain,example.com,\n"}}`
	req := httptest.NewRequest(http.MethodPost, "/scans", bytes.NewBufferString(body))
	req = withPrincipal(req, "alice", false)
	rec := httptest.NewRecorder()

	h.handleSubmit(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var task domain.ScanTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Contains(t, task.Targets, "example.com")
}

func TestHandleGet_ForbidsNonOwner(t *testing.T) {
	f := newFakeScheduler()
	f.tasks["task-1"] = domain.ScanTask{ID: "task-1", Creator: "alice"}
	h := &Handlers{scheduler: f}

	req := httptest.NewRequest(http.MethodGet, "/scans/task-1", nil)
	req = withPrincipal(req, "mallory", false)
	req = mux.SetURLVars(req, map[string]string{"id": "task-1"})
	rec := httptest.NewRecorder()

	h.handleGet(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleExport_CSVFormat(t *testing.T) {
	f := newFakeScheduler()
	f.tasks["task-1"] = domain.ScanTask{ID: "task-1", Creator: "alice"}
	f.findings["task-1"] = []domain.Finding{
		{ID: "f1", Title: "Open port", Severity: domain.SeverityLow, Category: "open-port", Target: domain.Target{Host: "example.com", Port: 22}},
	}
	h := &Handlers{scheduler: f}

	req := httptest.NewRequest(http.MethodGet, "/scans/task-1/export?format=csv", nil)
	req = withPrincipal(req, "alice", false)
	req = mux.SetURLVars(req, map[string]string{"id": "task-1"})
	rec := httptest.NewRecorder()

	h.handleExport(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "f1", rows[1][0])
}

func TestHandleCancel_Accepted(t *testing.T) {
	f := newFakeScheduler()
	f.tasks["task-1"] = domain.ScanTask{ID: "task-1", Creator: "alice", State: domain.StateRunning}
	h := &Handlers{scheduler: f}

	req := httptest.NewRequest(http.MethodPost, "/scans/task-1/cancel", bytes.NewBufferString(`{"reason":"no longer needed"}`))
	req = withPrincipal(req, "alice", false)
	req = mux.SetURLVars(req, map[string]string{"id": "task-1"})
	rec := httptest.NewRecorder()

	h.handleCancel(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.StateCancelling, f.tasks["task-1"].State)
}

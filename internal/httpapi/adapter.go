package httpapi

import (
	"context"

	"github.com/scanforge/socscan/internal/domain"
	"github.com/scanforge/socscan/internal/scheduler"
)

// schedulerAdapter narrows *scheduler.Scheduler to SchedulerAPI, the only
// translation needed is MetadataPatch (httpapi's DTO) to
// scheduler.MetadataPatch (the scheduler's own patch type) to avoid
// scheduler importing httpapi.
type schedulerAdapter struct {
	s *scheduler.Scheduler
}

// NewSchedulerAdapter wraps s so it satisfies SchedulerAPI.
func NewSchedulerAdapter(s *scheduler.Scheduler) SchedulerAPI {
	return schedulerAdapter{s: s}
}

func (a schedulerAdapter) Submit(ctx context.Context, task domain.ScanTask) (domain.ScanTask, error) {
	return a.s.Submit(ctx, task)
}

func (a schedulerAdapter) Get(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return a.s.Get(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) List(ctx context.Context, principal string, isAdmin bool, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	return a.s.List(ctx, principal, isAdmin, filter, cursor, limit)
}

func (a schedulerAdapter) Stats(ctx context.Context, principal string, isAdmin bool) (domain.Stats, error) {
	return a.s.Stats(ctx, principal, isAdmin)
}

func (a schedulerAdapter) Cancel(ctx context.Context, id, principal string, isAdmin bool, reason string) error {
	return a.s.Cancel(ctx, id, principal, isAdmin, reason)
}

func (a schedulerAdapter) Restart(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return a.s.Restart(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) Clone(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return a.s.Clone(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) StartNow(ctx context.Context, id, principal string, isAdmin bool) (domain.ScanTask, error) {
	return a.s.StartNow(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) Delete(ctx context.Context, id, principal string, isAdmin bool) error {
	return a.s.Delete(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) Results(ctx context.Context, id, principal string, isAdmin bool) ([]domain.Finding, error) {
	return a.s.Results(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) Artifacts(ctx context.Context, id, principal string, isAdmin bool) (domain.APIArtifacts, error) {
	return a.s.Artifacts(ctx, id, principal, isAdmin)
}

func (a schedulerAdapter) UpdateMetadata(ctx context.Context, id, principal string, isAdmin bool, patch MetadataPatch) (domain.ScanTask, error) {
	return a.s.UpdateMetadata(ctx, id, principal, isAdmin, scheduler.MetadataPatch{
		Name:        patch.Name,
		Description: patch.Description,
		Priority:    patch.Priority,
	})
}

// Package memory provides the zero-config, in-process TaskStore
// implementation, grounded on the teacher's default in-memory store
// pattern. It is the default when no database DSN is configured, and is
// used throughout the test suite.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/scanforge/socscan/internal/apperr"
	"github.com/scanforge/socscan/internal/domain"
)

// Store is a single-mutex-guarded in-memory TaskStore.
type Store struct {
	mu sync.RWMutex

	tasks     map[string]domain.ScanTask
	findings  map[string][]domain.Finding
	artifacts map[string]domain.APIArtifacts
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]domain.ScanTask),
		findings:  make(map[string][]domain.Finding),
		artifacts: make(map[string]domain.APIArtifacts),
	}
}

var _ domain.Store = (*Store)(nil)

func (s *Store) Put(_ context.Context, task domain.ScanTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.ScanTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ScanTask{}, notFound(id)
	}
	return task, nil
}

func (s *Store) List(_ context.Context, filter domain.ListFilter, cursor string, limit int) (domain.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.ScanTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !filter.IsAdmin && filter.Principal != "" && t.Creator != filter.Principal {
			continue
		}
		if filter.TaskType != "" && t.TaskType != filter.TaskType {
			continue
		}
		if filter.State != "" && t.State != filter.State {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if !filter.From.IsZero() && t.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && t.CreatedAt.After(filter.To) {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := 0
	if cursor != "" {
		if parsed, err := strconv.Atoi(cursor); err == nil && parsed > 0 {
			offset = parsed
		}
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	page := domain.Page{Tasks: append([]domain.ScanTask(nil), matched[offset:end]...)}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Store) Stats(_ context.Context, principal string, isAdmin bool) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.Stats{
		CountByState:    make(map[domain.State]int),
		CountByType:     make(map[domain.TaskType]int),
		CountByPriority: make(map[domain.Priority]int),
	}

	var totalDuration time.Duration
	var completedCount int
	for _, t := range s.tasks {
		if !isAdmin && t.Creator != principal {
			continue
		}
		stats.CountByState[t.State]++
		stats.CountByType[t.TaskType]++
		stats.CountByPriority[t.Priority]++
		if t.State == domain.StateCompleted && t.StartedAt != nil && t.CompletedAt != nil {
			totalDuration += t.CompletedAt.Sub(*t.StartedAt)
			completedCount++
		}
	}
	if completedCount > 0 {
		stats.AverageDuration = totalDuration / time.Duration(completedCount)
	}
	return stats, nil
}

func (s *Store) UpdateState(_ context.Context, id string, from, to domain.State, mutate func(*domain.ScanTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return notFound(id)
	}
	if task.State != from {
		return domain.ErrCASMismatch
	}
	task.State = to
	task.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&task)
	}
	s.tasks[id] = task
	return nil
}

func (s *Store) AppendFindings(_ context.Context, taskID string, findings []domain.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return notFound(taskID)
	}
	s.findings[taskID] = append(s.findings[taskID], findings...)
	return nil
}

func (s *Store) GetFindings(_ context.Context, taskID string) ([]domain.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Finding(nil), s.findings[taskID]...), nil
}

func (s *Store) ClearFindings(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.findings, taskID)
	return nil
}

func (s *Store) PutJSResources(_ context.Context, taskID string, resources []domain.JSResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.artifacts[taskID]
	a.JSResources = resources
	s.artifacts[taskID] = a
	return nil
}

func (s *Store) PutAPIEndpoints(_ context.Context, taskID string, endpoints []domain.APIEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.artifacts[taskID]
	a.Endpoints = endpoints
	s.artifacts[taskID] = a
	return nil
}

func (s *Store) PutMicroservices(_ context.Context, taskID string, services []domain.Microservice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.artifacts[taskID]
	a.Microservices = services
	s.artifacts[taskID] = a
	return nil
}

func (s *Store) PutAPISecurityIssues(_ context.Context, taskID string, issues []domain.APISecurityIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.artifacts[taskID]
	a.Issues = issues
	s.artifacts[taskID] = a
	return nil
}

func (s *Store) GetAPIArtifacts(_ context.Context, taskID string) (domain.APIArtifacts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifacts[taskID], nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return notFound(id)
	}
	delete(s.tasks, id)
	delete(s.findings, id)
	delete(s.artifacts, id)
	return nil
}

func notFound(id string) error {
	return apperr.New(apperr.CodeNotFound, "task not found").WithDetail("task_id", id)
}
